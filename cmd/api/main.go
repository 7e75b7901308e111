package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fedsearch/backend/internal/api/handlers"
	"github.com/fedsearch/backend/internal/federation"
	"github.com/fedsearch/backend/internal/metrics"
	"github.com/fedsearch/backend/internal/middleware/ratelimit"
	"github.com/fedsearch/backend/internal/middleware/validation"
	"github.com/fedsearch/backend/internal/retrieval"
	"github.com/fedsearch/backend/internal/search"
	"github.com/fedsearch/backend/internal/storage/models"
	"github.com/fedsearch/backend/internal/storage/sqlite"
	"github.com/fedsearch/backend/internal/timeline"
	"github.com/fedsearch/backend/pkg/config"
	appLogger "github.com/fedsearch/backend/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "fedsearch",
		Usage: "Federated message search over a local index, a scraped source and peers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Override the configured logging level",
			},
		},
		Before: setup,
		After: func(*cli.Context) error {
			appLogger.Sync()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP search service",
				Action: serveCommand,
			},
			{
				Name:      "search",
				Usage:     "Run one search and print the results",
				ArgsUsage: "<query>",
				Action:    searchCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "source", Value: "all", Usage: "all, cache, scrape or backend"},
					&cli.StringFlag{Name: "order", Value: "created_at", Usage: "created_at or id_str"},
					&cli.IntFlag{Name: "count", Value: 100, Usage: "Maximum number of messages"},
					&cli.IntFlag{Name: "timezone-offset", Usage: "Client offset in minutes, JavaScript sign"},
				},
			},
			{
				Name:   "suggest",
				Usage:  "List stored queries by next retrieval time",
				Action: suggestCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "prefix", Usage: "Only queries starting with this text"},
					&cli.StringFlag{Name: "orderby", Value: "retrieval_next"},
					&cli.BoolFlag{Name: "desc"},
					&cli.IntFlag{Name: "count", Value: 100},
				},
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var cfg *config.Config

func setup(c *cli.Context) error {
	// A missing .env is fine; the environment and config file still apply.
	_ = godotenv.Load()

	var err error
	if path := c.String("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if level := c.String("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func serveCommand(c *cli.Context) error {
	appLogger.Info("Starting federated search service")
	metrics.Init()

	svc, err := buildServices(cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	var poller *retrieval.Poller
	if cfg.Retrieval.Enabled {
		poller, err = retrieval.NewPoller(svc.sqlite, svc.engine, retrieval.PollerConfig{
			Interval:  cfg.Retrieval.PollInterval,
			BatchSize: cfg.Retrieval.BatchSize,
			Logger:    appLogger.Named("poller"),
		})
		if err != nil {
			return fmt.Errorf("failed to create retrieval poller: %w", err)
		}
		if err := poller.Start(ctx); err != nil {
			return err
		}
		defer poller.Stop()
	}

	announcer := federation.NewAnnouncer(federation.AnnouncerConfig{
		Peers:    cfg.Federation.Peers,
		PeerName: cfg.Federation.PeerName,
		HTTPPort: cfg.Server.Port,
		Interval: cfg.Federation.AnnounceInterval,
		Timeout:  time.Duration(cfg.Federation.TimeoutSec) * time.Second,
		Logger:   appLogger.Named("announcer"),
	})
	if len(cfg.Federation.Peers) > 0 {
		if err := announcer.Start(ctx); err != nil {
			return err
		}
		defer announcer.Stop()
	}

	gate := ratelimit.New(ratelimit.Config{
		BlackoutPerSecond:  cfg.RateLimit.BlackoutPerSecond,
		ReductionPerSecond: cfg.RateLimit.ReductionPerSecond,
		ReductionCount:     cfg.RateLimit.ReductionCount,
		ReductionDelay:     cfg.RateLimit.ReductionDelay,
		Window:             cfg.RateLimit.Window,
		Logger:             appLogger.Named("gate"),
	})
	defer gate.Stop()

	directory := federation.NewDirectory(2*cfg.Federation.AnnounceInterval, nil)

	queryHandler := handlers.NewQueryHandler(svc.engine, gate, svc.sqlite)
	var peerOpts []handlers.PeerOption
	if svc.peers != nil {
		peerOpts = append(peerOpts, handlers.WithContributions(svc.peers))
	}
	peerHandler := handlers.NewPeerHandler(directory, svc.sqlite, svc.authors, cfg.Federation.PeerName, peerOpts...)
	userHandler := handlers.NewUserHandler(svc.authors, svc.sqlite)
	wsHandler := handlers.NewWebSocketHandler(svc.engine, gate)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, OPTIONS",
	}))

	app.Get("/metrics", metrics.MetricsHandler())
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api := app.Group("/api")

	api.Get("/search.json",
		gate.Middleware(),
		validation.Middleware(validation.Config{
			MaxQueryLength: cfg.Search.MaxQueryLength,
			Logger:         appLogger.Named("validation"),
		}),
		queryHandler.HandleSearch,
	)
	api.Get("/suggest.json", gate.Middleware(), queryHandler.HandleSuggest)
	api.Get("/user.json", gate.Middleware(), userHandler.HandleUser)
	api.Get("/hello.json", peerHandler.HandleHello)
	api.Get("/status.json", peerHandler.HandleStatus)

	api.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("Shutdown did not complete cleanly", zap.Error(err))
	}
	svc.authors.Wait()
	appLogger.Info("Server stopped")
	return nil
}

func searchCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("a query is required")
	}

	svc, err := buildServices(cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	resp, err := svc.engine.Search(c.Context, search.Request{
		Query:          c.Args().First(),
		Order:          timeline.ParseOrder(c.String("order")),
		TimezoneOffset: c.Int("timezone-offset"),
		Count:          c.Int("count"),
		Source:         search.ParseSource(c.String("source")),
		Client:         "127.0.0.1",
	})
	if err != nil {
		return err
	}
	svc.authors.Wait()

	statuses := make([]models.MessageJSON, len(resp.Messages))
	for i := range resp.Messages {
		statuses[i] = resp.Messages[i].ToJSON()
	}
	return printJSON(map[string]any{
		"query":      resp.Query,
		"source":     resp.Source,
		"hits":       resp.Hits,
		"newrecords": resp.NewRecords,
		"time":       resp.Elapsed.Milliseconds(),
		"statuses":   statuses,
	})
}

func suggestCommand(c *cli.Context) error {
	svc, err := buildServices(cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	entries, err := svc.sqlite.SuggestQueryEntries(c.Context, sqlite.SuggestOptions{
		Prefix:     c.String("prefix"),
		OrderBy:    c.String("orderby"),
		Descending: c.Bool("desc"),
		Count:      c.Int("count"),
	})
	if err != nil {
		return err
	}

	queries := make([]models.QueryEntryJSON, len(entries))
	for i, e := range entries {
		queries[i] = e.ToJSON()
	}
	return printJSON(queries)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

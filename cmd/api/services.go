package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fedsearch/backend/internal/authors"
	"github.com/fedsearch/backend/internal/cache/redis"
	"github.com/fedsearch/backend/internal/federation"
	"github.com/fedsearch/backend/internal/retrieval"
	"github.com/fedsearch/backend/internal/search"
	"github.com/fedsearch/backend/internal/search/web"
	"github.com/fedsearch/backend/internal/storage/sqlite"
	"github.com/fedsearch/backend/pkg/config"
	appLogger "github.com/fedsearch/backend/pkg/logger"
)

// services holds every long-lived component shared by the commands.
type services struct {
	sqlite    *sqlite.Client
	redis     *redis.Client
	authors   *authors.Registry
	scheduler *retrieval.Scheduler
	peers     *federation.Client
	engine    *search.Engine
}

func buildServices(cfg *config.Config) (*services, error) {
	s := &services{}

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQLite client: %w", err)
	}
	s.sqlite = sqliteClient

	if err := sqliteClient.InitSchema(); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, federation cache disabled", zap.Error(err))
		} else {
			s.redis = redisClient
			// Cached peer answers may predate a schema or peer change.
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := redisClient.InvalidateTimelines(ctx); err != nil {
				appLogger.Warn("Failed to clear federation cache", zap.Error(err))
			}
			cancel()
		}
	}

	registry, err := authors.Open(cfg.Badger.Path, cfg.Badger.InMemory,
		authors.WithLogger(appLogger.Named("authors")),
	)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to open author registry: %w", err)
	}
	s.authors = registry

	scheduler, err := retrieval.NewScheduler(sqliteClient, retrieval.ParamsFromConfig(cfg.Retrieval),
		retrieval.WithLogger(appLogger.Named("retrieval")),
	)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to create retrieval scheduler: %w", err)
	}
	s.scheduler = scheduler

	opts := []search.Option{
		search.WithNotifier(registry),
		search.WithRecorder(scheduler),
		search.WithLogger(appLogger.Named("search")),
	}

	if cfg.Search.ScrapeURL != "" {
		scraper := web.NewClient(web.Config{
			SearchURL: cfg.Search.ScrapeURL,
			Logger:    appLogger.Named("scraper"),
		}, sqliteClient)
		opts = append(opts, search.WithScraper(scraper))
	}

	if len(cfg.Federation.Peers) > 0 {
		fedCfg := federation.Config{
			Peers:    cfg.Federation.Peers,
			Timeout:  time.Duration(cfg.Federation.TimeoutSec) * time.Second,
			CacheTTL: cfg.Federation.CacheTTL,
			Logger:   appLogger.Named("federation"),
		}
		if s.redis != nil {
			fedCfg.Cache = s.redis
		}
		peers, err := federation.NewClient(fedCfg)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to create federation client: %w", err)
		}
		s.peers = peers
		opts = append(opts, search.WithPeer(peers))
	}

	engine, err := search.NewEngine(sqliteClient, search.ConfigFromSettings(cfg.Search), opts...)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to create search engine: %w", err)
	}
	s.engine = engine

	return s, nil
}

func (s *services) close() {
	if s.engine != nil {
		s.engine.Close()
	}
	if s.authors != nil {
		if err := s.authors.Close(); err != nil {
			appLogger.Warn("Failed to close author registry", zap.Error(err))
		}
	}
	if s.redis != nil {
		s.redis.Close()
	}
	if s.sqlite != nil {
		s.sqlite.Close()
	}
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	Badger     BadgerConfig
	Search     SearchConfig
	Federation FederationConfig
	RateLimit  RateLimitConfig
	Retrieval  RetrievalConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type BadgerConfig struct {
	Path     string
	InMemory bool
}

type SearchConfig struct {
	ScrapeURL         string
	ScrapeWait        time.Duration
	FederationWait    time.Duration
	DefaultCount      int
	MaxCount          int
	LocalhostMaxCount int
	PoolSize          int
	MaxQueryLength    int
}

type FederationConfig struct {
	Peers            []string
	PeerName         string
	TimeoutSec       int
	CacheTTL         time.Duration
	AnnounceInterval time.Duration
}

type RateLimitConfig struct {
	BlackoutPerSecond  int
	ReductionPerSecond int
	ReductionCount     int
	ReductionDelay     time.Duration
	Window             time.Duration
}

type RetrievalConfig struct {
	TTLFactor         float64
	PivotFrequency    time.Duration
	RetrievalConstant int
	PollInterval      time.Duration
	BatchSize         int
	Enabled           bool
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/fedsearch")

	return load(v)
}

// LoadFile reads configuration from an explicit path, still honouring
// environment overrides and defaults.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("FEDSEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 1048576)

	v.SetDefault("sqlite.path", "./data/messages.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("badger.path", "./data/authors")
	v.SetDefault("badger.inMemory", false)

	v.SetDefault("search.scrapeURL", "")
	v.SetDefault("search.scrapeWait", "8s")
	v.SetDefault("search.federationWait", "5s")
	v.SetDefault("search.defaultCount", 100)
	v.SetDefault("search.maxCount", 1000)
	v.SetDefault("search.localhostMaxCount", 10000)
	v.SetDefault("search.poolSize", 64)
	v.SetDefault("search.maxQueryLength", 2048)

	v.SetDefault("federation.peers", []string{})
	v.SetDefault("federation.peerName", "anonymous")
	v.SetDefault("federation.timeoutSec", 10)
	v.SetDefault("federation.cacheTTL", "30s")
	v.SetDefault("federation.announceInterval", "10m")

	v.SetDefault("ratelimit.blackoutPerSecond", 20)
	v.SetDefault("ratelimit.reductionPerSecond", 10)
	v.SetDefault("ratelimit.reductionCount", 10)
	v.SetDefault("ratelimit.reductionDelay", "2s")
	v.SetDefault("ratelimit.window", "1s")

	v.SetDefault("retrieval.enabled", true)
	v.SetDefault("retrieval.ttlFactor", 0.5)
	v.SetDefault("retrieval.pivotFrequency", "10s")
	v.SetDefault("retrieval.retrievalConstant", 20)
	v.SetDefault("retrieval.pollInterval", "10s")
	v.SetDefault("retrieval.batchSize", 20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}

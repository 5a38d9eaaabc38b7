package bootstrap

import (
	"fmt"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	coreconfig "github.com/meep1w/pocketbot/core/config"
	coredatabase "github.com/meep1w/pocketbot/core/database"
	"github.com/meep1w/pocketbot/core/logger"
)

// Options control the generic bootstrap pipeline.
type Options struct {
	Config   *coreconfig.Config
	Database coredatabase.Config

	LoggerInit func(*coreconfig.Config) error
	Connect    func(coredatabase.Config) (*sqlx.DB, error)
	Migrate    func(coredatabase.Config) error
}

// Result exposes infrastructure initialized by the bootstrap pipeline.
type Result struct {
	DB *sqlx.DB
}

// Run initializes the logger, connects to the database, and applies migrations.
func Run(opts Options) (*Result, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}

	loggerInit := opts.LoggerInit
	if loggerInit == nil {
		loggerInit = logger.InitLogger
	}
	if err := loggerInit(opts.Config); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	connect := opts.Connect
	if connect == nil {
		connect = coredatabase.Connect
	}
	db, err := connect(opts.Database)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: database initialization failed: %w", err)
	}

	migrate := opts.Migrate
	if migrate == nil {
		migrate = coredatabase.RunMigrations
	}
	if err := migrate(opts.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: migrations failed: %w", err)
	}

	return &Result{DB: db}, nil
}

// LoadDatabase reads the database section of the config file with env
// overrides. Kept out of core/config so the logger can depend on the latter
// without a cycle.
func LoadDatabase(path string) (coredatabase.Config, error) {
	var wrap struct {
		Database coredatabase.Config `yaml:"database"`
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return coredatabase.Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &wrap); err != nil {
		return coredatabase.Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &wrap.Database); err != nil {
		return coredatabase.Config{}, fmt.Errorf("failed to process env: %w", err)
	}

	db := wrap.Database
	if strings.TrimSpace(db.Host) == "" {
		db.Host = "localhost"
	}
	if strings.TrimSpace(db.Port) == "" {
		db.Port = "5432"
	}
	if strings.TrimSpace(db.SSLMode) == "" {
		db.SSLMode = "disable"
	}
	if db.MaxConnections <= 0 {
		db.MaxConnections = 10
	}
	if strings.TrimSpace(db.Name) == "" {
		return coredatabase.Config{}, fmt.Errorf("database.name is required")
	}
	if strings.TrimSpace(db.User) == "" {
		return coredatabase.Config{}, fmt.Errorf("database.user is required")
	}
	return db, nil
}

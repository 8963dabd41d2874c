// Package config resolves surveil's settings.
//
// Sources are applied in order, each overriding the previous one:
//   - built-in defaults rooted at the user's home directory
//   - a YAML file named by --config or SURVEIL_CONFIG
//   - SURVEIL_* environment variables, including those from a .env file
//   - command-line flags
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nikhil/surveil/internal/database"
)

const (
	DefaultPort      = 3847
	DefaultDebounce  = 100 * time.Millisecond
	DefaultHeartbeat = 5 * time.Second

	envPrefix = "SURVEIL_"
)

// Config is the resolved configuration.
type Config struct {
	// Host is the listen address; empty means all interfaces.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// TeamsDir holds <team>/config.json and <team>/inboxes/<agent>.json.
	TeamsDir string `yaml:"teams_dir"`
	// TasksDir holds <team>/<taskId>.json.
	TasksDir string `yaml:"tasks_dir"`

	Database DatabaseConfig `yaml:"database"`

	Debounce  time.Duration `yaml:"debounce"`
	Heartbeat time.Duration `yaml:"heartbeat"`

	// StaticDir, when set, is served at / as the dashboard.
	StaticDir string `yaml:"static_dir"`

	// JWTSecret, when set, requires an HS256 token on /ws and /api.
	JWTSecret string `yaml:"jwt_secret"`

	// File is the YAML file that was loaded, if any.
	File string `yaml:"-"`
}

// DatabaseConfig selects the history store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	home, _ := os.UserHomeDir()
	claude := filepath.Join(home, ".claude")
	return &Config{
		Port:     DefaultPort,
		TeamsDir: filepath.Join(claude, "teams"),
		TasksDir: filepath.Join(claude, "tasks"),
		Database: DatabaseConfig{
			Driver: database.DriverSQLite,
			Path:   filepath.Join(claude, "surveil", "surveillance.db"),
		},
		Debounce:  DefaultDebounce,
		Heartbeat: DefaultHeartbeat,
	}
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load resolves the configuration from every source. args excludes the
// program name. pflag.ErrHelp is returned unchanged when help was requested.
func Load(args []string) (*Config, error) {
	return load(args, ".env", os.Stderr)
}

func load(args []string, envFile string, usage io.Writer) (*Config, error) {
	flags, overrides := newFlagSet(usage)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if rest := flags.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	// .env never overrides variables already set in the environment.
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := Default()

	file := os.Getenv(envPrefix + "CONFIG")
	if flags.Changed("config") {
		file = overrides.File
	}
	if file != "" {
		if err := cfg.loadFile(file); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	flags.Visit(func(f *pflag.Flag) {
		cfg.applyFlag(f.Name, overrides)
	})

	cfg.TeamsDir = expandHome(cfg.TeamsDir)
	cfg.TasksDir = expandHome(cfg.TasksDir)
	cfg.Database.Path = expandHome(cfg.Database.Path)
	cfg.StaticDir = expandHome(cfg.StaticDir)
	return cfg, nil
}

func newFlagSet(usage io.Writer) (*pflag.FlagSet, *Config) {
	defaults := Default()
	values := &Config{}

	flags := pflag.NewFlagSet("surveil", pflag.ContinueOnError)
	flags.SetOutput(usage)
	flags.StringVar(&values.File, "config", "", "YAML config file (env SURVEIL_CONFIG)")
	flags.StringVar(&values.Host, "host", "", "listen host")
	flags.IntVarP(&values.Port, "port", "p", defaults.Port, "listen port (env SURVEIL_PORT)")
	flags.StringVar(&values.TeamsDir, "teams-dir", defaults.TeamsDir, "teams root directory")
	flags.StringVar(&values.TasksDir, "tasks-dir", defaults.TasksDir, "tasks root directory")
	flags.StringVar(&values.Database.Driver, "db-driver", defaults.Database.Driver, "history store driver: sqlite or mysql")
	flags.StringVar(&values.Database.Path, "db-path", defaults.Database.Path, "sqlite database file")
	flags.StringVar(&values.Database.DSN, "db-dsn", "", "mysql data source name")
	flags.DurationVar(&values.Debounce, "debounce", defaults.Debounce, "per-file change coalescing window")
	flags.DurationVar(&values.Heartbeat, "heartbeat", defaults.Heartbeat, "viewer heartbeat interval")
	flags.StringVar(&values.StaticDir, "static-dir", "", "serve a dashboard from this directory")
	flags.StringVar(&values.JWTSecret, "jwt-secret", "", "require HS256 tokens signed with this secret")
	return flags, values
}

func (c *Config) applyFlag(name string, v *Config) {
	switch name {
	case "host":
		c.Host = v.Host
	case "port":
		c.Port = v.Port
	case "teams-dir":
		c.TeamsDir = v.TeamsDir
	case "tasks-dir":
		c.TasksDir = v.TasksDir
	case "db-driver":
		c.Database.Driver = v.Database.Driver
	case "db-path":
		c.Database.Path = v.Database.Path
	case "db-dsn":
		c.Database.DSN = v.Database.DSN
	case "debounce":
		c.Debounce = v.Debounce
	case "heartbeat":
		c.Heartbeat = v.Heartbeat
	case "static-dir":
		c.StaticDir = v.StaticDir
	case "jwt-secret":
		c.JWTSecret = v.JWTSecret
	case "config":
		c.File = v.File
	}
}

// loadFile merges a YAML file into c.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.File = path
	return nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"HOST":       &c.Host,
		"TEAMS_DIR":  &c.TeamsDir,
		"TASKS_DIR":  &c.TasksDir,
		"DB_DRIVER":  &c.Database.Driver,
		"DB_PATH":    &c.Database.Path,
		"DB_DSN":     &c.Database.DSN,
		"STATIC_DIR": &c.StaticDir,
		"JWT_SECRET": &c.JWTSecret,
	}
	for key, field := range strs {
		if value, ok := os.LookupEnv(envPrefix + key); ok {
			*field = value
		}
	}

	if value, ok := os.LookupEnv(envPrefix + "PORT"); ok {
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%sPORT: %w", envPrefix, err)
		}
		c.Port = port
	}

	durations := map[string]*time.Duration{
		"DEBOUNCE":  &c.Debounce,
		"HEARTBEAT": &c.Heartbeat,
	}
	for key, field := range durations {
		if value, ok := os.LookupEnv(envPrefix + key); ok {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*field = d
		}
	}
	return nil
}

// Validate reports the first setting surveil cannot start with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.TeamsDir == "" {
		return errors.New("teams directory is required")
	}
	if c.TasksDir == "" {
		return errors.New("tasks directory is required")
	}
	switch c.Database.Driver {
	case database.DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("sqlite database path is required")
		}
	case database.DriverMySQL:
		if c.Database.DSN == "" {
			return errors.New("mysql requires a DSN")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("debounce must be positive, got %s", c.Debounce)
	}
	if c.Heartbeat <= 0 {
		return fmt.Errorf("heartbeat must be positive, got %s", c.Heartbeat)
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

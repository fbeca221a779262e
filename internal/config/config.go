package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/localpg/internal/logger"
)

// Settings is the complete localpg configuration. It is passed by value into
// the engine; nothing in the core reads it from a global.
type Settings struct {
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Readiness  ReadinessConfig  `toml:"readiness" mapstructure:"readiness"`
	Extensions ExtensionsConfig `toml:"extensions" mapstructure:"extensions"`
	Companion  CompanionConfig  `toml:"companion" mapstructure:"companion"`
	Log        LogConfig        `toml:"log" mapstructure:"log"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
}

type ServerConfig struct {
	BinDir        string        `toml:"bin_dir" mapstructure:"bin_dir"`
	DataDir       string        `toml:"data_dir" mapstructure:"data_dir"`
	Host          string        `toml:"host" mapstructure:"host"`
	Port          int           `toml:"port" mapstructure:"port"`
	Superuser     string        `toml:"superuser" mapstructure:"superuser"`
	AdminUser     string        `toml:"admin_user" mapstructure:"admin_user"`
	AdminPassword string        `toml:"admin_password" mapstructure:"admin_password"`
	Database      string        `toml:"database" mapstructure:"database"`
	Template      string        `toml:"template" mapstructure:"template"`
	Encoding      string        `toml:"encoding" mapstructure:"encoding"`
	Locale        string        `toml:"locale" mapstructure:"locale"`
	InitDBArgs    []string      `toml:"initdb_args" mapstructure:"initdb_args"`
	ServerArgs    []string      `toml:"server_args" mapstructure:"server_args"`
	Env           []string      `toml:"env" mapstructure:"env"`
	EnvFiles      []string      `toml:"env_files" mapstructure:"env_files"`
	StopKillAfter time.Duration `toml:"stop_kill_after" mapstructure:"stop_kill_after"`
}

type ReadinessConfig struct {
	Interval       time.Duration `toml:"interval" mapstructure:"interval"`
	AttemptTimeout time.Duration `toml:"attempt_timeout" mapstructure:"attempt_timeout"`
	Deadline       time.Duration `toml:"deadline" mapstructure:"deadline"`
}

type ExtensionsConfig struct {
	Desired  []string `toml:"desired" mapstructure:"desired"`
	ShareDir string   `toml:"share_dir" mapstructure:"share_dir"`
	// Client selects how SQL is sent: "pgx" (wire protocol) or "psql" (command line).
	Client string `toml:"client" mapstructure:"client"`
}

type CompanionConfig struct {
	Enabled     bool   `toml:"enabled" mapstructure:"enabled"`
	InstallDir  string `toml:"install_dir" mapstructure:"install_dir"`
	Entrypoint  string `toml:"entrypoint" mapstructure:"entrypoint"`
	DataDir     string `toml:"data_dir" mapstructure:"data_dir"`
	Port        int    `toml:"port" mapstructure:"port"`
	SearchDepth int    `toml:"search_depth" mapstructure:"search_depth"`
	ServerName  string `toml:"server_name" mapstructure:"server_name"`
	ServerGroup string `toml:"server_group" mapstructure:"server_group"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	File       string `toml:"file" mapstructure:"file"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// Rotation returns the per-service output file settings.
func (l LogConfig) Rotation() logger.Config {
	return logger.Config{Dir: l.Dir, MaxSizeMB: l.MaxSizeMB, MaxBackups: l.MaxBackups, MaxAgeDays: l.MaxAgeDays, Compress: l.Compress}
}

type HistoryConfig struct {
	// DSN is a sqlite path or a postgres:// URL; empty disables history.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type MetricsConfig struct {
	// Listen is the address of the status/metrics HTTP server; empty disables it.
	Listen string `toml:"listen" mapstructure:"listen"`
}

// EnvPrefix is the prefix of environment overrides, e.g. LOCALPG_SERVER_PORT.
const EnvPrefix = "LOCALPG"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bin_dir", "")
	v.SetDefault("server.data_dir", "data")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 5432)
	v.SetDefault("server.superuser", "postgres")
	v.SetDefault("server.admin_user", "")
	v.SetDefault("server.admin_password", "")
	v.SetDefault("server.database", "postgres")
	v.SetDefault("server.template", "template1")
	v.SetDefault("server.encoding", "UTF8")
	v.SetDefault("server.locale", "")
	v.SetDefault("server.initdb_args", []string{})
	v.SetDefault("server.server_args", []string{})
	v.SetDefault("server.env", []string{})
	v.SetDefault("server.env_files", []string{})
	v.SetDefault("server.stop_kill_after", "0s")

	v.SetDefault("readiness.interval", "500ms")
	v.SetDefault("readiness.attempt_timeout", "200ms")
	v.SetDefault("readiness.deadline", "30s")

	v.SetDefault("extensions.desired", []string{"postgis", "postgis_topology"})
	v.SetDefault("extensions.share_dir", "")
	v.SetDefault("extensions.client", "pgx")

	v.SetDefault("companion.enabled", false)
	v.SetDefault("companion.install_dir", "")
	v.SetDefault("companion.entrypoint", "pgAdmin4.py")
	v.SetDefault("companion.data_dir", "")
	v.SetDefault("companion.port", 5050)
	v.SetDefault("companion.search_depth", 4)
	v.SetDefault("companion.server_name", "localpg")
	v.SetDefault("companion.server_group", "Servers")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.listen", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Default returns the built-in settings, without environment overrides.
func Default() Settings {
	v := viper.New()
	setDefaults(v)
	var s Settings
	// defaults always decode
	_ = v.Unmarshal(&s)
	return s
}

// Load reads path (TOML) over the defaults and applies LOCALPG_* environment
// overrides. An empty path loads defaults plus environment only.
// Env files listed in server.env_files are merged into Server.Env, with
// explicit env entries taking precedence.
func Load(path string) (Settings, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	if len(s.Server.EnvFiles) > 0 {
		base := ""
		if path != "" {
			base = filepath.Dir(path)
		}
		merged, err := mergeEnvFiles(base, s.Server.EnvFiles, s.Server.Env)
		if err != nil {
			return Settings{}, err
		}
		s.Server.Env = merged
	}
	return s, nil
}

// Validate reports every problem found, joined.
func (s Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Server.DataDir) == "" {
		errs = append(errs, errors.New("server.data_dir is required"))
	}
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", s.Server.Port))
	}
	if s.Server.Superuser == "" {
		errs = append(errs, errors.New("server.superuser is required"))
	}
	if s.Server.Database == "" {
		errs = append(errs, errors.New("server.database is required"))
	}
	if s.Server.StopKillAfter < 0 {
		errs = append(errs, errors.New("server.stop_kill_after must not be negative"))
	}
	switch s.Extensions.Client {
	case "pgx", "psql":
	default:
		errs = append(errs, fmt.Errorf("extensions.client %q must be pgx or psql", s.Extensions.Client))
	}
	if s.Readiness.Interval <= 0 || s.Readiness.AttemptTimeout <= 0 || s.Readiness.Deadline <= 0 {
		errs = append(errs, errors.New("readiness durations must be positive"))
	}
	if s.Companion.Enabled {
		if s.Companion.Port <= 0 || s.Companion.Port > 65535 {
			errs = append(errs, fmt.Errorf("companion.port %d out of range", s.Companion.Port))
		}
		if s.Companion.Port == s.Server.Port {
			errs = append(errs, errors.New("companion.port must differ from server.port"))
		}
	}
	return errors.Join(errs...)
}

// Binary returns the path of a server tool. Without bin_dir the bare name is
// returned and resolved on PATH at spawn time.
func (s Settings) Binary(name string) string {
	if runtime.GOOS == "windows" && !strings.HasSuffix(name, ".exe") {
		name += ".exe"
	}
	if s.Server.BinDir == "" {
		return name
	}
	return filepath.Join(s.Server.BinDir, name)
}

func (s Settings) Postgres() string { return s.Binary("postgres") }
func (s Settings) InitDB() string   { return s.Binary("initdb") }
func (s Settings) PSQL() string     { return s.Binary("psql") }
func (s Settings) CreateDB() string { return s.Binary("createdb") }

// AdminRole is the role reconciliation grants privileges to.
func (s Settings) AdminRole() string {
	if s.Server.AdminUser != "" {
		return s.Server.AdminUser
	}
	return s.Server.Superuser
}

// CompanionDataDir defaults to a pgadmin directory beside the cluster.
func (s Settings) CompanionDataDir() string {
	if s.Companion.DataDir != "" {
		return s.Companion.DataDir
	}
	return filepath.Join(filepath.Dir(filepath.Clean(s.Server.DataDir)), "pgadmin")
}

// NeedsRestart reports whether moving from s to next changes how the running
// processes were started. Other changes are applied by starting again in place.
func (s Settings) NeedsRestart(next Settings) bool {
	return !reflect.DeepEqual(s.Server, next.Server) ||
		!reflect.DeepEqual(s.Companion, next.Companion) ||
		!reflect.DeepEqual(s.Log, next.Log)
}

// Provider hands out the current settings.
type Provider interface {
	Settings() Settings
}

// Holder is a Provider the caller layer updates between restarts.
type Holder struct {
	p atomic.Pointer[Settings]
}

func NewHolder(s Settings) *Holder {
	h := &Holder{}
	h.Update(s)
	return h
}

func (h *Holder) Settings() Settings { return *h.p.Load() }

// Update replaces the settings used by the next start.
func (h *Holder) Update(s Settings) { h.p.Store(&s) }

func mergeEnvFiles(base string, files, explicit []string) ([]string, error) {
	m := make(map[string]string)
	var order []string
	set := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, f := range files {
		if base != "" && !filepath.IsAbs(f) {
			f = filepath.Join(base, f)
		}
		pairs, err := loadEnvFile(f)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", f, err)
		}
		for _, kv := range pairs {
			set(kv[0], kv[1])
		}
	}
	for _, kv := range explicit {
		if i := strings.IndexByte(kv, '='); i > 0 {
			set(kv[:i], kv[i+1:])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) ([][2]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, [2]string{strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])})
		}
	}
	return out, nil
}

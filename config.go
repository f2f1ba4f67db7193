package testdb

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// IsolationMode decides whether preparers sharing a configuration also share
// a backing server.
type IsolationMode string

const (
	// IsolationDatabase gives every preparer fingerprint its own logical
	// database inside one shared backing server. This is the default; it
	// maximizes reuse and relies on the engine's fast per-database cloning.
	IsolationDatabase IsolationMode = "database"

	// IsolationCluster gives every preparer fingerprint a dedicated backing
	// server with its own port and data directory, at higher resource cost.
	IsolationCluster IsolationMode = "cluster"
)

// Config holds every recognized option of a database provider. It is an
// immutable value object: two configs with equal recognized options produce
// providers with equal identities, which is what outer caches key on. Treat
// a Config as read-only once it has been handed to NewProvider.
type Config struct {
	// Engine selects the provider variant ("sqlite", "postgres", "docker").
	Engine string `mapstructure:"engine" validate:"required"`

	// Isolation is fixed for the lifetime of the provider.
	Isolation IsolationMode `mapstructure:"isolation" validate:"required,oneof=database cluster"`

	// Locale sets the collation/locale of server-backed engines
	// (lc_collate and friends for PostgreSQL).
	Locale string `mapstructure:"locale"`

	// ServerProperties are engine tunables applied at server start
	// (server.* options, e.g. max_connections, shared_buffers).
	ServerProperties map[string]string `mapstructure:"server"`

	// ClientProperties are connection-level tunables appended to every DSN
	// handed out by the provider (client.* options).
	ClientProperties map[string]string `mapstructure:"client"`

	// InitProperties are cluster-bootstrap tunables passed to the engine's
	// initdb equivalent (initdb.* options).
	InitProperties map[string]string `mapstructure:"initdb"`

	// Docker configures the containerized variant only.
	Docker DockerConfig `mapstructure:"docker"`

	// Version pins the server binary version for the forked-server variant,
	// e.g. "16.4.0". Empty picks the variant default. The containerized
	// variant versions through Docker.Image instead.
	Version string `mapstructure:"version"`

	// MaxIdleClusters bounds how many idle backing servers a cluster-level
	// provider keeps alive once their last database instance is closed.
	MaxIdleClusters int `mapstructure:"max_idle_clusters" validate:"gte=0"`
}

// DockerConfig carries options recognized by the containerized variant.
type DockerConfig struct {
	// Image is the database image to run.
	Image string `mapstructure:"image"`

	// TmpfsEnabled mounts the data directory on tmpfs for faster tests.
	TmpfsEnabled bool `mapstructure:"tmpfs_enabled"`
}

// Default values for recognized options.
const (
	DefaultEngine          = "postgres"
	DefaultDockerImage     = "postgres:16-alpine"
	DefaultMaxIdleClusters = 1
)

// DefaultConfig returns the documented defaults: the postgres engine with
// database-level isolation.
func DefaultConfig() Config {
	return Config{
		Engine:          DefaultEngine,
		Isolation:       IsolationDatabase,
		Docker:          DockerConfig{Image: DefaultDockerImage},
		MaxIdleClusters: DefaultMaxIdleClusters,
	}
}

// A ConfigOption adjusts one recognized option during NewConfig.
type ConfigOption func(*Config)

// NewConfig builds a Config from the documented defaults plus the given
// options. The result is a plain value; callers needing environment or file
// binding use LoadConfig instead.
func NewConfig(opts ...ConfigOption) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithEngine selects the provider variant.
func WithEngine(name string) ConfigOption {
	return func(c *Config) { c.Engine = name }
}

// WithIsolation selects the isolation mode.
func WithIsolation(mode IsolationMode) ConfigOption {
	return func(c *Config) { c.Isolation = mode }
}

// WithLocale sets the server locale.
func WithLocale(locale string) ConfigOption {
	return func(c *Config) { c.Locale = locale }
}

// WithVersion pins the forked-server binary version.
func WithVersion(version string) ConfigOption {
	return func(c *Config) { c.Version = version }
}

// WithServerProperty sets one server.* tunable.
func WithServerProperty(key, value string) ConfigOption {
	return func(c *Config) { c.ServerProperties = setProperty(c.ServerProperties, key, value) }
}

// WithClientProperty sets one client.* tunable.
func WithClientProperty(key, value string) ConfigOption {
	return func(c *Config) { c.ClientProperties = setProperty(c.ClientProperties, key, value) }
}

// WithInitProperty sets one initdb.* tunable.
func WithInitProperty(key, value string) ConfigOption {
	return func(c *Config) { c.InitProperties = setProperty(c.InitProperties, key, value) }
}

// WithDockerImage sets the image for the containerized variant.
func WithDockerImage(image string) ConfigOption {
	return func(c *Config) { c.Docker.Image = image }
}

// WithDockerTmpfs toggles the tmpfs data mount for the containerized variant.
func WithDockerTmpfs(enabled bool) ConfigOption {
	return func(c *Config) { c.Docker.TmpfsEnabled = enabled }
}

// WithMaxIdleClusters bounds idle backing servers under cluster isolation.
func WithMaxIdleClusters(n int) ConfigOption {
	return func(c *Config) { c.MaxIdleClusters = n }
}

func setProperty(props map[string]string, key, value string) map[string]string {
	if props == nil {
		props = make(map[string]string)
	}
	props[key] = value
	return props
}

// LoadConfig resolves a Config from the environment and an optional config
// file. Environment variables use the TESTDB_ prefix (TESTDB_ENGINE,
// TESTDB_ISOLATION, ...) and take precedence over values from a testdb.yaml
// found in the working directory. Unrecognized options are ignored by
// binding; recognized but malformed ones surface as a ConfigurationError.
//
// Only the scalar options bind from the environment. The server.*, client.*
// and initdb.* property maps have open-ended keys the environment binding
// cannot enumerate, so they are read from the config file (or set on the
// Config directly).
func LoadConfig() (Config, error) {
	v := viper.New()
	v.SetConfigName("testdb")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TESTDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultConfig()
	v.SetDefault("engine", defaults.Engine)
	v.SetDefault("isolation", string(defaults.Isolation))
	v.SetDefault("locale", "")
	v.SetDefault("version", "")
	v.SetDefault("docker.image", defaults.Docker.Image)
	v.SetDefault("docker.tmpfs_enabled", false)
	v.SetDefault("max_idle_clusters", defaults.MaxIdleClusters)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, &ConfigurationError{Reason: "reading config file", Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &ConfigurationError{Reason: "binding configuration", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the recognized options against their documented
// constraints and returns a ConfigurationError on the first violation.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigurationError{
				Option: strings.ToLower(fe.Field()),
				Reason: fmt.Sprintf("failed %q constraint", fe.Tag()),
			}
		}
		return &ConfigurationError{Reason: "validating configuration", Err: err}
	}
	return nil
}

// Identity returns the configuration identity: a stable hash covering every
// recognized option. Two configs are equal if and only if their identities
// match; the identity also keys the process-wide provider and backing-server
// tables.
func (c Config) Identity() string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write("engine", c.Engine)
	write("isolation", string(c.Isolation))
	write("locale", c.Locale)
	write("version", c.Version)
	write("docker.image", c.Docker.Image)
	write("docker.tmpfs_enabled", strconv.FormatBool(c.Docker.TmpfsEnabled))
	write("max_idle_clusters", strconv.Itoa(c.MaxIdleClusters))
	writeProperties(write, "server", c.ServerProperties)
	writeProperties(write, "client", c.ClientProperties)
	writeProperties(write, "initdb", c.InitProperties)
	return hex.EncodeToString(h.Sum(nil))
}

func writeProperties(write func(...string), prefix string, props map[string]string) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(prefix+"."+k, props[k])
	}
}

package testdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"testing"
)

// EmbeddedDatabase is the connection source handed to a test for one
// isolated database instance. The instance is fully prepared by the time DB
// returns: callers that ask for a connection while preparation is still in
// flight block until it finishes and never observe a partially prepared
// database.
type EmbeddedDatabase interface {
	// DB returns a live handle to the instance, blocking until preparation
	// completes. All callers share one *sql.DB.
	DB(ctx context.Context) (*sql.DB, error)

	// DataSourceName returns the DSN of the instance for external tools.
	DataSourceName() string

	// Port returns the network port of the backing server, or 0 for
	// in-process engines.
	Port() int

	// Close releases the instance. Teardown failures are logged and
	// swallowed, never escalated.
	Close(ctx context.Context) error
}

// Provider creates prepared database instances for one fixed configuration.
// Implementations cache prepared templates per preparer fingerprint and
// derive fresh instances from them, so repeated requests with the same
// preparer are cheap and schema-equivalent.
type Provider interface {
	// CreateDatabase returns a fresh instance reflecting the preparer's
	// effects. A nil preparer yields an empty database. The first call may
	// start a long-lived backing server shared by later calls, subject to
	// the configured isolation mode.
	CreateDatabase(ctx context.Context, p Preparer) (EmbeddedDatabase, error)

	// Identity returns the provider's configuration identity. Providers
	// constructed from equal configs report equal identities, which is what
	// outer caches deduplicate on.
	Identity() string

	// Shutdown stops every backing resource owned by the provider.
	Shutdown(ctx context.Context) error
}

// ServerSettings is the neutral view of a backing engine handed to
// customization hooks just before startup. Hooks run in registration order;
// on conflicting settings the last writer wins.
type ServerSettings struct {
	// Port the server will listen on. Zero picks a free port.
	Port int
	// Locale for cluster bootstrap.
	Locale string
	// Parameters are engine tunables (server.* options plus any initdb.*
	// options the variant maps onto bootstrap flags).
	Parameters map[string]string
	// Image is the container image, for the docker variant only.
	Image string
	// TmpfsEnabled mounts the container data directory on tmpfs.
	TmpfsEnabled bool
}

// Runtime carries the non-identity collaborators a factory needs: ambient
// logging and the ordered customization hooks. It is not part of provider
// equality.
type Runtime struct {
	Logger      *slog.Logger
	Customizers []func(*ServerSettings)
}

// Factory constructs a provider variant from a validated config.
type Factory func(cfg Config, rt Runtime) (Provider, error)

var (
	enginesMu sync.RWMutex
	engines   = make(map[string]Factory)
)

// Register makes a provider variant available to NewProvider under the given
// engine name. It is intended to be called from the init function of a
// provider package, mirroring database/sql driver registration. Registering
// the same engine twice panics.
func Register(engine string, factory Factory) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	if factory == nil {
		panic("testdb: Register factory is nil")
	}
	if _, dup := engines[engine]; dup {
		panic("testdb: Register called twice for engine " + engine)
	}
	engines[engine] = factory
}

func lookupEngine(name string) (Factory, bool) {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	f, ok := engines[name]
	return f, ok
}

// Option configures non-identity aspects of a provider at construction.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	customizers []func(*ServerSettings)
	registrar   func(shutdown func())
}

// WithLogger sets the structured logger used for provider events. Defaults
// to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithServerCustomizer appends a hook that may mutate the backing-engine
// settings before startup, e.g. to pin the listening port. Hooks are applied
// in registration order.
func WithServerCustomizer(fn func(*ServerSettings)) Option {
	return func(o *options) { o.customizers = append(o.customizers, fn) }
}

// WithTeardownRegistrar lets an embedding runtime install the provider's
// shutdown into its own lifecycle (for example t.Cleanup or a suite-level
// hook). Without it, providers live until Shutdown or Main tears them down.
func WithTeardownRegistrar(register func(shutdown func())) Option {
	return func(o *options) { o.registrar = register }
}

// The process-wide provider table. Keyed by configuration identity so that
// equal configs resolve to the same provider and the same backing servers,
// no matter where in the test suite they are requested from.
var (
	providersMu sync.Mutex
	providers   = make(map[string]Provider)
)

// NewProvider returns the provider for cfg, constructing it on first use.
// Equal configs (same recognized option values) share one provider
// process-wide; any differing recognized option yields a distinct one. The
// config is validated first, and an unknown engine is a ConfigurationError.
func NewProvider(cfg Config, opts ...Option) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	factory, ok := lookupEngine(cfg.Engine)
	if !ok {
		return nil, &ConfigurationError{
			Option: "engine",
			Reason: fmt.Sprintf("unknown engine %q (is the provider package imported?)", cfg.Engine),
		}
	}

	identity := cfg.Identity()

	providersMu.Lock()
	defer providersMu.Unlock()
	if p, ok := providers[identity]; ok {
		return p, nil
	}

	p, err := factory(cfg, Runtime{Logger: o.logger, Customizers: o.customizers})
	if err != nil {
		return nil, err
	}
	providers[identity] = p
	o.logger.Info("provider registered", "engine", cfg.Engine, "isolation", cfg.Isolation, "identity", identity[:12])

	if o.registrar != nil {
		o.registrar(func() {
			if err := shutdownProvider(context.Background(), identity); err != nil {
				o.logger.Warn("provider teardown failed", "identity", identity[:12], "error", err)
			}
		})
	}
	return p, nil
}

func shutdownProvider(ctx context.Context, identity string) error {
	providersMu.Lock()
	p, ok := providers[identity]
	delete(providers, identity)
	providersMu.Unlock()
	if !ok {
		return nil
	}
	return p.Shutdown(ctx)
}

// Shutdown stops every provider constructed through NewProvider and clears
// the process-wide table. Call it once after the test run, typically from
// TestMain via Main. Errors are collected but teardown continues; no backing
// server is skipped because an earlier one failed to stop.
func Shutdown(ctx context.Context) error {
	providersMu.Lock()
	snapshot := make([]Provider, 0, len(providers))
	for _, p := range providers {
		snapshot = append(snapshot, p)
	}
	providers = make(map[string]Provider)
	providersMu.Unlock()

	var firstErr error
	for _, p := range snapshot {
		if err := p.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Main runs the test binary and tears down every provider afterwards:
//
//	func TestMain(m *testing.M) {
//		os.Exit(testdb.Main(m))
//	}
//
// It replaces the process-exit hook that a richer runtime would install.
// Abrupt termination (SIGKILL, panic without recovery) can still leak
// backing servers; that is a documented limitation.
func Main(m *testing.M) int {
	code := m.Run()
	if err := Shutdown(context.Background()); err != nil {
		slog.Warn("provider teardown failed", "error", err)
	}
	return code
}

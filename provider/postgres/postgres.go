// Package postgres implements the forked-server provider variant: it forks
// and supervises real PostgreSQL server processes (one per configuration
// identity, or one per preparer fingerprint under cluster-level isolation)
// and derives per-test databases from prepared templates using PostgreSQL's
// native template cloning.
//
// Importing the package registers the "postgres" engine with testdb.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"

	"github.com/phrazzld/testdb"
	"github.com/phrazzld/testdb/internal/gate"
	"github.com/phrazzld/testdb/internal/pgtmpl"
	"github.com/phrazzld/testdb/internal/registry"
)

// Engine is the name this variant registers under.
const Engine = "postgres"

const (
	superUser     = "postgres"
	superPassword = "postgres"
	adminDatabase = "postgres"

	startTimeout = 60 * time.Second
	cloneTimeout = 60 * time.Second

	// sharedClusterKey is the cluster key under database-level isolation,
	// where every fingerprint shares one server.
	sharedClusterKey = "shared"
)

func init() {
	testdb.Register(Engine, New)
}

// Provider is the forked-server implementation of testdb.Provider.
type Provider struct {
	cfg      testdb.Config
	identity string
	rt       testdb.Runtime
	logger   *slog.Logger

	clusters *registry.Registry[*cluster]

	// mu guards idle-cluster accounting under cluster-level isolation.
	mu sync.Mutex
}

// cluster is one forked PostgreSQL server process plus its template cache.
type cluster struct {
	key       string
	pg        *embeddedpostgres.EmbeddedPostgres
	conn      pgtmpl.ConnInfo
	admin     *pgtmpl.Admin
	dataDir   string
	templates *registry.Registry[*template]

	mu   sync.Mutex
	live int
}

type template struct {
	name string
}

// New constructs the provider. The backing server is not started here; the
// first CreateDatabase call forks it lazily.
func New(cfg testdb.Config, rt testdb.Runtime) (testdb.Provider, error) {
	logger := rt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg:      cfg,
		identity: cfg.Identity(),
		rt:       rt,
		logger:   logger.With("engine", Engine),
		clusters: registry.New[*cluster](),
	}, nil
}

// Identity implements testdb.Provider.
func (p *Provider) Identity() string { return p.identity }

// CreateDatabase implements testdb.Provider. The preparer runs at most once
// per fingerprint; later calls clone the resulting template. The returned
// source is handed back before the clone finishes, and its readiness gate
// holds connections until the instance is fully prepared.
func (p *Provider) CreateDatabase(ctx context.Context, prep testdb.Preparer) (testdb.EmbeddedDatabase, error) {
	if prep == nil {
		prep = testdb.NewSQLPreparer()
	}
	sum := prep.Checksum()

	clusterKey := sharedClusterKey
	if p.cfg.Isolation == testdb.IsolationCluster {
		clusterKey = sum
	}

	c, err := p.clusters.GetOrBuild(ctx, clusterKey, func(ctx context.Context) (*cluster, error) {
		return p.startCluster(ctx, clusterKey)
	})
	if err != nil {
		return nil, &testdb.ProviderError{Engine: Engine, Err: err}
	}

	// Hold the cluster for the whole creation, template build included, so
	// idle reclamation triggered by another instance's Close cannot stop a
	// server that is still mid-build.
	c.acquire()

	tmpl, err := c.templates.GetOrBuild(ctx, sum, func(ctx context.Context) (*template, error) {
		return p.buildTemplate(ctx, c, prep)
	})
	if err != nil {
		p.release(c)
		if testdb.IsPreparationError(err) {
			return nil, err
		}
		return nil, &testdb.ProviderError{Engine: Engine, Err: err}
	}

	name := pgtmpl.InstanceName()
	info := c.conn.WithDatabase(name)
	info.Params = pgtmpl.ClientParams(p.cfg.ClientProperties)

	src := gate.NewSource("pgx", info.DSN(), info.Port, p.logger, func(ctx context.Context) error {
		defer p.release(c)
		return c.admin.DropDatabase(ctx, name)
	})

	go func() {
		cloneCtx, cancel := context.WithTimeout(context.Background(), cloneTimeout)
		defer cancel()
		if err := c.admin.CloneDatabase(cloneCtx, name, tmpl.name); err != nil {
			p.logger.Error("cloning instance failed", "instance", name, "template", tmpl.name, "error", err)
			src.Ready(&testdb.ProviderError{Engine: Engine, Err: err})
			return
		}
		p.logger.Debug("instance ready", "instance", name, "template", tmpl.name, "port", info.Port)
		src.Ready(nil)
	}()

	return src, nil
}

// startCluster forks a fresh PostgreSQL server for the given cluster key.
// Only the triggering caller blocks on the fork; concurrent requests for the
// same key wait on the registry instead.
func (p *Provider) startCluster(ctx context.Context, key string) (*cluster, error) {
	settings := testdb.ServerSettings{
		Locale:     p.locale(),
		Parameters: pgtmpl.ScaledServerParameters(p.cfg.ServerProperties),
	}
	for _, customize := range p.rt.Customizers {
		customize(&settings)
	}

	port := settings.Port
	if port == 0 {
		var err error
		if port, err = freePort(); err != nil {
			return nil, fmt.Errorf("allocating port: %w", err)
		}
	}

	dataDir, err := os.MkdirTemp("", "testdb-pg-")
	if err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	epCfg := embeddedpostgres.DefaultConfig().
		Username(superUser).
		Password(superPassword).
		Database(adminDatabase).
		Port(uint32(port)).
		RuntimePath(dataDir).
		StartTimeout(startTimeout).
		StartParameters(settings.Parameters).
		Logger(slogWriter{logger: p.logger})
	if settings.Locale != "" {
		epCfg = epCfg.Locale(settings.Locale)
	}
	if p.cfg.Version != "" {
		epCfg = epCfg.Version(embeddedpostgres.PostgresVersion(p.cfg.Version))
	}

	pg := embeddedpostgres.NewDatabase(epCfg)
	p.logger.Info("starting postgres server", "cluster", key, "port", port, "data_dir", dataDir)
	if err := pg.Start(); err != nil {
		if rmErr := os.RemoveAll(dataDir); rmErr != nil {
			p.logger.Warn("removing data directory failed", "data_dir", dataDir, "error", rmErr)
		}
		return nil, fmt.Errorf("starting server on port %d: %w", port, err)
	}

	conn := pgtmpl.ConnInfo{
		Host:     "localhost",
		Port:     port,
		User:     superUser,
		Password: superPassword,
		Database: adminDatabase,
		Params:   map[string]string{"sslmode": "disable"},
	}
	admin, err := pgtmpl.Connect(ctx, conn.DSN(), p.logger)
	if err != nil {
		if stopErr := pg.Stop(); stopErr != nil {
			p.logger.Warn("stopping unreachable server failed", "cluster", key, "error", stopErr)
		}
		if rmErr := os.RemoveAll(dataDir); rmErr != nil {
			p.logger.Warn("removing data directory failed", "data_dir", dataDir, "error", rmErr)
		}
		return nil, err
	}

	return &cluster{
		key:       key,
		pg:        pg,
		conn:      conn,
		admin:     admin,
		dataDir:   dataDir,
		templates: registry.New[*template](),
	}, nil
}

// buildTemplate creates and prepares the template database for one preparer
// fingerprint. The template handle is closed before finalization: cloning
// requires the source database to have no connections.
func (p *Provider) buildTemplate(ctx context.Context, c *cluster, prep testdb.Preparer) (*template, error) {
	sum := prep.Checksum()
	name := pgtmpl.TemplateName(sum)

	p.logger.Info("building template", "template", name, "cluster", c.key)
	if err := c.admin.CreateDatabase(ctx, name); err != nil {
		return nil, err
	}

	info := c.conn.WithDatabase(name)
	db, err := sql.Open("pgx", info.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening template connection: %w", err)
	}

	if err := prep.Prepare(ctx, db); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			p.logger.Warn("closing failed template handle", "template", name, "error", closeErr)
		}
		if dropErr := c.admin.DropDatabase(ctx, name); dropErr != nil {
			p.logger.Warn("dropping failed template", "template", name, "error", dropErr)
		}
		return nil, &testdb.PreparationError{Checksum: sum, Err: err}
	}

	// Cloning requires the template to have no connections.
	if err := db.Close(); err != nil {
		return nil, fmt.Errorf("closing template connection: %w", err)
	}
	if err := c.admin.FinalizeTemplate(ctx, name); err != nil {
		return nil, err
	}
	p.logger.Info("template ready", "template", name, "cluster", c.key)
	return &template{name: name}, nil
}

// Shutdown implements testdb.Provider. Every forked server is stopped and
// its data directory removed; failures are logged and the first one is
// returned after all clusters have been attempted.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	p.clusters.Range(func(key string, c *cluster) bool {
		if err := p.stopCluster(c); err != nil && firstErr == nil {
			firstErr = err
		}
		p.clusters.Delete(key)
		return true
	})
	return firstErr
}

func (p *Provider) stopCluster(c *cluster) error {
	p.logger.Info("stopping postgres server", "cluster", c.key, "port", c.conn.Port)
	if err := c.admin.Close(); err != nil {
		p.logger.Warn("closing maintenance connection failed", "cluster", c.key, "error", err)
	}
	err := c.pg.Stop()
	if rmErr := os.RemoveAll(c.dataDir); rmErr != nil {
		p.logger.Warn("removing data directory failed", "data_dir", c.dataDir, "error", rmErr)
	}
	if err != nil {
		return fmt.Errorf("stopping server for cluster %q: %w", c.key, err)
	}
	return nil
}

func (c *cluster) acquire() {
	c.mu.Lock()
	c.live++
	c.mu.Unlock()
}

// release records that an instance was closed. Under cluster-level isolation
// it also reclaims idle servers beyond the configured MaxIdleClusters bound.
func (p *Provider) release(c *cluster) {
	c.mu.Lock()
	c.live--
	c.mu.Unlock()

	if p.cfg.Isolation != testdb.IsolationCluster {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var idle []*cluster
	p.clusters.Range(func(_ string, other *cluster) bool {
		other.mu.Lock()
		if other.live == 0 {
			idle = append(idle, other)
		}
		other.mu.Unlock()
		return true
	})
	for len(idle) > p.cfg.MaxIdleClusters {
		victim := idle[0]
		idle = idle[1:]
		p.clusters.Delete(victim.key)
		if err := p.stopCluster(victim); err != nil {
			p.logger.Warn("reclaiming idle cluster failed", "cluster", victim.key, "error", err)
		}
	}
}

func (p *Provider) locale() string {
	if lc, ok := p.cfg.InitProperties["lc-collate"]; ok {
		return lc
	}
	return p.cfg.Locale
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, err
	}
	return port, nil
}

// slogWriter adapts the server's process output to structured debug logs.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Write(p []byte) (int, error) {
	if msg := strings.TrimSpace(string(p)); msg != "" {
		w.logger.Debug("postgres", "output", msg)
	}
	return len(p), nil
}

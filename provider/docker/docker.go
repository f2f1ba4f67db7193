// Package docker implements the containerized provider variant: it runs
// PostgreSQL containers (one per configuration identity, or one per preparer
// fingerprint under cluster-level isolation) and derives per-test databases
// from prepared templates exactly like the forked-server variant, over the
// container's mapped port.
//
// Importing the package registers the "docker" engine with testdb.
package docker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/phrazzld/testdb"
	"github.com/phrazzld/testdb/internal/gate"
	"github.com/phrazzld/testdb/internal/pgtmpl"
	"github.com/phrazzld/testdb/internal/registry"
)

// Engine is the name this variant registers under.
const Engine = "docker"

const (
	containerUser     = "docker"
	containerPassword = "docker"
	adminDatabase     = "postgres"

	containerPort = "5432/tcp"
	dataMount     = "/var/lib/postgresql/data"

	startTimeout = 120 * time.Second
	cloneTimeout = 60 * time.Second

	sharedClusterKey = "shared"
)

func init() {
	testdb.Register(Engine, New)
}

// Provider is the containerized implementation of testdb.Provider.
type Provider struct {
	cfg      testdb.Config
	identity string
	rt       testdb.Runtime
	logger   *slog.Logger

	clusters *registry.Registry[*cluster]

	// mu guards idle-cluster accounting under cluster-level isolation.
	mu sync.Mutex
}

// cluster is one running database container plus its template cache.
type cluster struct {
	key       string
	container testcontainers.Container
	conn      pgtmpl.ConnInfo
	admin     *pgtmpl.Admin
	templates *registry.Registry[*template]

	mu   sync.Mutex
	live int
}

type template struct {
	name string
}

// New constructs the provider. No container is started here; the first
// CreateDatabase call pulls and starts it lazily.
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

// CreateDatabase implements testdb.Provider.
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
		return p.startContainer(ctx, clusterKey)
	})
	if err != nil {
		return nil, &testdb.ProviderError{Engine: Engine, Err: err}
	}

	// Hold the cluster for the whole creation, template build included, so
	// idle reclamation triggered by another instance's Close cannot stop a
	// container that is still mid-build.
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

// startContainer starts a fresh database container for the given cluster
// key. Only the triggering caller blocks on the pull and start.
func (p *Provider) startContainer(ctx context.Context, key string) (*cluster, error) {
	image := p.cfg.Docker.Image
	if image == "" {
		image = testdb.DefaultDockerImage
	}
	settings := testdb.ServerSettings{
		Image:        image,
		TmpfsEnabled: p.cfg.Docker.TmpfsEnabled,
		Locale:       p.cfg.Locale,
		Parameters:   pgtmpl.ScaledServerParameters(p.cfg.ServerProperties),
	}
	for _, customize := range p.rt.Customizers {
		customize(&settings)
	}

	req := testcontainers.ContainerRequest{
		Image:        settings.Image,
		ExposedPorts: []string{containerPort},
		Env: map[string]string{
			"POSTGRES_USER":     containerUser,
			"POSTGRES_PASSWORD": containerPassword,
			"POSTGRES_DB":       adminDatabase,
		},
		Cmd: serverCommand(settings.Parameters),
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort(containerPort),
		).WithDeadline(startTimeout),
	}
	if args := initdbArgs(settings.Locale, p.cfg.InitProperties); args != "" {
		req.Env["POSTGRES_INITDB_ARGS"] = args
	}
	if settings.TmpfsEnabled {
		req.Tmpfs = map[string]string{dataMount: "rw"}
	}

	p.logger.Info("starting postgres container", "cluster", key, "image", settings.Image, "tmpfs", settings.TmpfsEnabled)
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("starting container from image %q: %w", settings.Image, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		p.terminate(ctx, container, key)
		return nil, fmt.Errorf("resolving container host: %w", err)
	}
	mapped, err := container.MappedPort(ctx, containerPort)
	if err != nil {
		p.terminate(ctx, container, key)
		return nil, fmt.Errorf("resolving mapped port: %w", err)
	}

	conn := pgtmpl.ConnInfo{
		Host:     host,
		Port:     mapped.Int(),
		User:     containerUser,
		Password: containerPassword,
		Database: adminDatabase,
		Params:   map[string]string{"sslmode": "disable"},
	}
	admin, err := pgtmpl.Connect(ctx, conn.DSN(), p.logger)
	if err != nil {
		p.terminate(ctx, container, key)
		return nil, err
	}

	return &cluster{
		key:       key,
		container: container,
		conn:      conn,
		admin:     admin,
		templates: registry.New[*template](),
	}, nil
}

// buildTemplate mirrors the forked-server variant: create, prepare, close
// the handle, then finalize so clones never race a live session.
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

	if err := db.Close(); err != nil {
		return nil, fmt.Errorf("closing template connection: %w", err)
	}
	if err := c.admin.FinalizeTemplate(ctx, name); err != nil {
		return nil, err
	}
	p.logger.Info("template ready", "template", name, "cluster", c.key)
	return &template{name: name}, nil
}

// Shutdown implements testdb.Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	p.clusters.Range(func(key string, c *cluster) bool {
		if err := p.stopCluster(ctx, c); err != nil && firstErr == nil {
			firstErr = err
		}
		p.clusters.Delete(key)
		return true
	})
	return firstErr
}

func (p *Provider) stopCluster(ctx context.Context, c *cluster) error {
	p.logger.Info("terminating postgres container", "cluster", c.key, "port", c.conn.Port)
	if err := c.admin.Close(); err != nil {
		p.logger.Warn("closing maintenance connection failed", "cluster", c.key, "error", err)
	}
	if err := c.container.Terminate(ctx); err != nil {
		return fmt.Errorf("terminating container for cluster %q: %w", c.key, err)
	}
	return nil
}

func (p *Provider) terminate(ctx context.Context, container testcontainers.Container, key string) {
	if err := container.Terminate(ctx); err != nil {
		p.logger.Warn("terminating container failed", "cluster", key, "error", err)
	}
}

func (c *cluster) acquire() {
	c.mu.Lock()
	c.live++
	c.mu.Unlock()
}

// release reclaims idle containers beyond MaxIdleClusters under
// cluster-level isolation, mirroring the forked-server variant.
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
		if err := p.stopCluster(context.Background(), victim); err != nil {
			p.logger.Warn("reclaiming idle cluster failed", "cluster", victim.key, "error", err)
		}
	}
}

// serverCommand renders the server.* parameters as postgres -c flags in
// deterministic order.
func serverCommand(params map[string]string) []string {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cmd := []string{"postgres"}
	for _, k := range keys {
		cmd = append(cmd, "-c", fmt.Sprintf("%s=%s", k, params[k]))
	}
	return cmd
}

// initdbArgs renders locale and initdb.* options for POSTGRES_INITDB_ARGS.
func initdbArgs(locale string, props map[string]string) string {
	args := make([]string, 0, len(props)+1)
	if locale != "" {
		args = append(args, fmt.Sprintf("--locale=%s", locale))
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, fmt.Sprintf("--%s=%s", k, props[k]))
	}
	if len(args) == 0 {
		return ""
	}
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}

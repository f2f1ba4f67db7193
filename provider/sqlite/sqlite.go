// Package sqlite implements the in-process provider variant on top of the
// modernc.org/sqlite driver. Templates are prepared database files in a
// per-provider temporary directory, and instances are derived by copying the
// file, which plays the role the engine-native template clone has for the
// server-backed variants. An opt-in memory mode skips the filesystem
// entirely and re-runs the preparer per instance instead.
//
// Importing the package registers the "sqlite" engine with testdb.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // in-process sqlite driver

	"github.com/phrazzld/testdb"
	"github.com/phrazzld/testdb/internal/gate"
	"github.com/phrazzld/testdb/internal/registry"
)

// Engine is the name this variant registers under.
const Engine = "sqlite"

// memoryModeProperty is the server.* option that switches the variant to
// purely in-memory databases. Memory databases cannot serve as clone
// sources, so each instance re-runs its preparer; the template cache and its
// exactly-once guarantee apply to the default file mode only.
const memoryModeProperty = "mode"

const prepareTimeout = 60 * time.Second

func init() {
	testdb.Register(Engine, New)
}

// Provider is the in-process implementation of testdb.Provider. Isolation
// mode is accepted but has no effect: there is no shared server process, so
// every instance is fully isolated either way.
type Provider struct {
	cfg      testdb.Config
	identity string
	logger   *slog.Logger

	templates *registry.Registry[*template]

	dirOnce sync.Once
	dir     string
	dirErr  error
}

type template struct {
	path string
}

// New constructs the provider. The template directory is created lazily on
// first use.
func New(cfg testdb.Config, rt testdb.Runtime) (testdb.Provider, error) {
	logger := rt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg:       cfg,
		identity:  cfg.Identity(),
		logger:    logger.With("engine", Engine),
		templates: registry.New[*template](),
	}, nil
}

// Identity implements testdb.Provider.
func (p *Provider) Identity() string { return p.identity }

// CreateDatabase implements testdb.Provider.
func (p *Provider) CreateDatabase(ctx context.Context, prep testdb.Preparer) (testdb.EmbeddedDatabase, error) {
	if prep == nil {
		prep = testdb.NewSQLPreparer()
	}
	if p.memoryMode() {
		return p.createMemoryDatabase(prep)
	}
	return p.createFileDatabase(ctx, prep)
}

// createFileDatabase builds (or reuses) the template file for the preparer's
// fingerprint and clones it by file copy in the background; the source's
// gate holds consumers until the copy is done.
func (p *Provider) createFileDatabase(ctx context.Context, prep testdb.Preparer) (testdb.EmbeddedDatabase, error) {
	sum := prep.Checksum()
	tmpl, err := p.templates.GetOrBuild(ctx, sum, func(ctx context.Context) (*template, error) {
		return p.buildTemplate(ctx, prep)
	})
	if err != nil {
		if testdb.IsPreparationError(err) {
			return nil, err
		}
		return nil, &testdb.ProviderError{Engine: Engine, Err: err}
	}

	dir, err := p.templateDir()
	if err != nil {
		return nil, &testdb.ProviderError{Engine: Engine, Err: err}
	}
	path := filepath.Join(dir, "inst-"+instanceID()+".db")

	src := gate.NewSource(driverName, p.dsn(path), 0, p.logger, func(context.Context) error {
		return os.Remove(path)
	})
	go func() {
		if err := copyFile(tmpl.path, path); err != nil {
			p.logger.Error("cloning template file failed", "template", tmpl.path, "instance", path, "error", err)
			src.Ready(&testdb.ProviderError{Engine: Engine, Err: err})
			return
		}
		p.logger.Debug("instance ready", "instance", path)
		src.Ready(nil)
	}()
	return src, nil
}

// createMemoryDatabase opens a fresh shared-cache memory database and runs
// the preparer against it in the background. A pinned connection keeps the
// database alive until the instance is closed.
func (p *Provider) createMemoryDatabase(prep testdb.Preparer) (testdb.EmbeddedDatabase, error) {
	dsn := p.memoryDSN(instanceID())

	// The pin is the handle that owns the memory database; closing it
	// discards the data. Close may race the preparation goroutine, so the
	// pin is handed over under a lock.
	var (
		pinMu sync.Mutex
		pin   *sql.DB
	)
	src := gate.NewSource(driverName, dsn, 0, p.logger, func(context.Context) error {
		pinMu.Lock()
		defer pinMu.Unlock()
		if pin != nil {
			return pin.Close()
		}
		return nil
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), prepareTimeout)
		defer cancel()

		db, err := sql.Open(driverName, dsn)
		if err != nil {
			src.Ready(&testdb.ProviderError{Engine: Engine, Err: err})
			return
		}
		if err := db.PingContext(ctx); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				p.logger.Warn("closing unreachable memory database", "error", closeErr)
			}
			src.Ready(&testdb.ProviderError{Engine: Engine, Err: err})
			return
		}
		pinMu.Lock()
		pin = db
		pinMu.Unlock()
		if err := prep.Prepare(ctx, db); err != nil {
			src.Ready(&testdb.PreparationError{Checksum: prep.Checksum(), Err: err})
			return
		}
		src.Ready(nil)
	}()
	return src, nil
}

// buildTemplate prepares the template file for one fingerprint. A failed
// preparation removes the partial file so the next request starts clean.
func (p *Provider) buildTemplate(ctx context.Context, prep testdb.Preparer) (*template, error) {
	sum := prep.Checksum()
	dir, err := p.templateDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "tmpl-"+sum[:16]+".db")

	p.logger.Info("building template", "template", path)
	db, err := sql.Open(driverName, p.dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening template database: %w", err)
	}
	// The driver creates the file on first connection; force it so even an
	// empty preparer leaves a clonable template behind.
	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			p.logger.Warn("closing failed template handle", "template", path, "error", closeErr)
		}
		return nil, fmt.Errorf("creating template file: %w", err)
	}
	if err := prep.Prepare(ctx, db); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			p.logger.Warn("closing failed template handle", "template", path, "error", closeErr)
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			p.logger.Warn("removing failed template file", "template", path, "error", rmErr)
		}
		return nil, &testdb.PreparationError{Checksum: sum, Err: err}
	}
	if err := db.Close(); err != nil {
		return nil, fmt.Errorf("closing template database: %w", err)
	}
	p.logger.Info("template ready", "template", path)
	return &template{path: path}, nil
}

// Shutdown implements testdb.Provider: it discards the template directory
// and every file-backed instance still in it. Memory instances die with
// their pinned connections.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.dir == "" {
		return nil
	}
	p.logger.Info("removing template directory", "dir", p.dir)
	if err := os.RemoveAll(p.dir); err != nil {
		return fmt.Errorf("removing template directory: %w", err)
	}
	return nil
}

func (p *Provider) memoryMode() bool {
	return p.cfg.ServerProperties[memoryModeProperty] == "memory"
}

func (p *Provider) templateDir() (string, error) {
	p.dirOnce.Do(func() {
		p.dir, p.dirErr = os.MkdirTemp("", "testdb-sqlite-")
	})
	return p.dir, p.dirErr
}

const driverName = "sqlite"

// dsn renders a file DSN with the client.* properties applied as pragmas.
func (p *Provider) dsn(path string) string {
	dsn := "file:" + path
	if params := p.pragmaParams(); params != "" {
		dsn += "?" + params
	}
	return dsn
}

// memoryDSN renders a shared-cache memory DSN; shared cache lets the
// pinned connection and consumer connections address one database.
func (p *Provider) memoryDSN(name string) string {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	if params := p.pragmaParams(); params != "" {
		dsn += "&" + params
	}
	return dsn
}

func (p *Provider) pragmaParams() string {
	if len(p.cfg.ClientProperties) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p.cfg.ClientProperties))
	for k := range p.cfg.ClientProperties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		pragma := fmt.Sprintf("%s(%s)", k, p.cfg.ClientProperties[k])
		parts = append(parts, "_pragma="+url.QueryEscape(pragma))
	}
	return strings.Join(parts, "&")
}

func instanceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening template file: %w", err)
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating instance file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copying template file: %w", err)
	}
	return out.Close()
}

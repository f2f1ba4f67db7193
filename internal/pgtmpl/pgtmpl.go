// Package pgtmpl implements the PostgreSQL side of template management:
// creating template databases, marking them cloneable, deriving fresh
// instances with CREATE DATABASE ... TEMPLATE, and dropping instances. The
// forked-server and container variants share it; only how the server gets
// started differs between them.
package pgtmpl

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
)

const adminPingTimeout = 30 * time.Second

// Admin wraps a maintenance connection to a running PostgreSQL server and
// performs the structural operations (create/drop/clone databases) that only
// the provider is allowed to issue. Test consumers never touch it.
type Admin struct {
	db     *sql.DB
	logger *slog.Logger
}

// Connect opens a maintenance connection using the given DSN, which should
// point at the engine's administrative database.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*Admin, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening maintenance connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, adminPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("closing unreachable maintenance connection", "error", closeErr)
		}
		return nil, fmt.Errorf("pinging maintenance database: %w", err)
	}
	// Template cloning fails while anyone else is connected to the source,
	// so keep the maintenance pool to a single connection.
	db.SetMaxOpenConns(1)
	return &Admin{db: db, logger: logger}, nil
}

// DB exposes the maintenance handle for provider-internal queries.
func (a *Admin) DB() *sql.DB { return a.db }

// CreateDatabase creates an empty database owned by the connected role.
func (a *Admin) CreateDatabase(ctx context.Context, name string) error {
	stmt := fmt.Sprintf("CREATE DATABASE %s", quoteIdent(name))
	if _, err := a.db.ExecContext(ctx, stmt); err != nil {
		return MapError(fmt.Errorf("creating database %q: %w", name, err))
	}
	return nil
}

// CloneDatabase creates a database as a structural copy of template. The
// template must have no live connections; FinalizeTemplate guarantees that.
func (a *Admin) CloneDatabase(ctx context.Context, name, template string) error {
	stmt := fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s", quoteIdent(name), quoteIdent(template))
	if _, err := a.db.ExecContext(ctx, stmt); err != nil {
		return MapError(fmt.Errorf("cloning database %q from template %q: %w", name, template, err))
	}
	return nil
}

// FinalizeTemplate marks a prepared database as a template and blocks
// further connections to it, so later clones never race a straggling
// session.
func (a *Admin) FinalizeTemplate(ctx context.Context, name string) error {
	stmt := fmt.Sprintf("ALTER DATABASE %s WITH IS_TEMPLATE TRUE ALLOW_CONNECTIONS FALSE", quoteIdent(name))
	if _, err := a.db.ExecContext(ctx, stmt); err != nil {
		return MapError(fmt.Errorf("finalizing template %q: %w", name, err))
	}
	return nil
}

// DropDatabase drops an instance database, forcing out any remaining
// sessions. Missing databases are not an error; teardown must be idempotent.
func (a *Admin) DropDatabase(ctx context.Context, name string) error {
	stmt := fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", quoteIdent(name))
	if _, err := a.db.ExecContext(ctx, stmt); err != nil {
		return MapError(fmt.Errorf("dropping database %q: %w", name, err))
	}
	return nil
}

// Close releases the maintenance connection.
func (a *Admin) Close() error {
	return a.db.Close()
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

package gate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// pingTimeout bounds the verification ping performed when the underlying
// *sql.DB is first opened.
const pingTimeout = 30 * time.Second

// Source is a connection source guarded by a readiness gate. The provider
// hands a Source to the caller immediately and finishes structural work
// (template clone, session setup) in the background; DB blocks until that
// work completes. The wrapped *sql.DB is opened lazily on first use and
// shared by subsequent calls.
type Source struct {
	driver string
	dsn    string
	port   int
	logger *slog.Logger

	gate *Gate

	openOnce sync.Once
	db       *sql.DB
	openErr  error

	closeOnce sync.Once
	closeErr  error

	// drop releases the backing database once the consumer is done with it.
	// Failures are logged as teardown warnings, never escalated.
	drop func(context.Context) error
}

// NewSource returns a gated connection source for the given driver and DSN.
// port is informational (0 for in-process engines). drop may be nil when the
// instance needs no explicit teardown.
func NewSource(driver, dsn string, port int, logger *slog.Logger, drop func(context.Context) error) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		driver: driver,
		dsn:    dsn,
		port:   port,
		logger: logger,
		gate:   New(),
		drop:   drop,
	}
}

// Ready opens the gate. A nil err releases waiting consumers; a non-nil err
// is surfaced from every subsequent DB call instead of a connection.
func (s *Source) Ready(err error) {
	s.gate.Open(err)
}

// DB returns the database handle, blocking until the instance is fully
// prepared. All callers share one *sql.DB.
func (s *Source) DB(ctx context.Context) (*sql.DB, error) {
	if err := s.gate.Wait(ctx); err != nil {
		return nil, err
	}
	s.openOnce.Do(func() {
		db, err := sql.Open(s.driver, s.dsn)
		if err != nil {
			s.openErr = fmt.Errorf("opening connection to %q: %w", s.dsn, err)
			return
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				s.logger.Warn("closing unreachable database handle", "error", closeErr)
			}
			s.openErr = fmt.Errorf("pinging %q: %w", s.dsn, err)
			return
		}
		s.db = db
	})
	return s.db, s.openErr
}

// DataSourceName returns the DSN of the backing database. The string is
// available immediately, but connections opened with it outside DB bypass
// the readiness gate.
func (s *Source) DataSourceName() string {
	return s.dsn
}

// Port returns the network port of the backing server, or 0 for in-process
// engines.
func (s *Source) Port() int {
	return s.port
}

// Close closes the shared handle and drops the backing database. Drop
// failures are logged once at warning level and swallowed; by the time
// teardown runs the test has already finished.
//
// Close waits for the readiness gate first: teardown must not run while the
// instance's structural work is still in flight, or the drop could race the
// clone and leave the half-made database behind. A preparation failure still
// opens the gate, so the wait never outlives preparation itself.
func (s *Source) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if err := s.gate.Wait(ctx); err != nil && ctx.Err() != nil {
			s.logger.Warn("closing before readiness resolved", "dsn", s.dsn, "error", err)
		}
		// Settle the lazy open so a concurrent DB call cannot hand out a
		// handle this teardown is about to close.
		s.openOnce.Do(func() {})
		if s.db != nil {
			s.closeErr = s.db.Close()
		}
		if s.drop == nil {
			return
		}
		if err := s.drop(ctx); err != nil {
			s.logger.Warn("dropping test database failed", "dsn", s.dsn, "error", err)
		}
	})
	return s.closeErr
}

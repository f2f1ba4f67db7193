package pgtmpl

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes relevant to template management.
const (
	// duplicateDatabaseCode is raised when a database with the requested
	// name already exists.
	duplicateDatabaseCode = "42P04"

	// objectInUseCode is raised when a template still has live connections
	// during cloning.
	objectInUseCode = "55006"

	// invalidCatalogNameCode is raised when connecting to or dropping a
	// database that does not exist.
	invalidCatalogNameCode = "3D000"

	// tooManyConnectionsCode is raised when the server's connection limit
	// is exhausted.
	tooManyConnectionsCode = "53300"
)

// Sentinel errors exposed to the provider layer. MapError wraps the raw
// driver error with one of these so callers can branch with errors.Is
// without depending on PostgreSQL error codes.
var (
	ErrDuplicateDatabase  = errors.New("database already exists")
	ErrTemplateInUse      = errors.New("template database is in use")
	ErrDatabaseNotFound   = errors.New("database does not exist")
	ErrTooManyConnections = errors.New("too many connections")
)

// MapError maps a PostgreSQL driver error onto the package's sentinel
// errors, preserving the original cause. Errors without a specific mapping
// pass through unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case duplicateDatabaseCode:
			return fmt.Errorf("%w: %v", ErrDuplicateDatabase, err)
		case objectInUseCode:
			return fmt.Errorf("%w: %v", ErrTemplateInUse, err)
		case invalidCatalogNameCode:
			return fmt.Errorf("%w: %v", ErrDatabaseNotFound, err)
		case tooManyConnectionsCode:
			return fmt.Errorf("%w: %v", ErrTooManyConnections, err)
		}
	}
	return err
}

// IsDuplicateDatabase reports whether err indicates the database already
// exists.
func IsDuplicateDatabase(err error) bool {
	return errors.Is(err, ErrDuplicateDatabase)
}

// IsTemplateInUse reports whether err indicates the template still had live
// connections.
func IsTemplateInUse(err error) bool {
	return errors.Is(err, ErrTemplateInUse)
}

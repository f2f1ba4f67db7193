// Package migrate adapts schema-migration tooling into testdb preparers, so
// a test database can be prepared by the same migrations the application
// runs in production.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/phrazzld/testdb"
)

// Dialect selects the SQL dialect migrations are applied with. It must match
// the provider variant the preparer is used against.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Goose returns a preparer that applies every goose migration in fsys, in
// migration order. The fingerprint covers the names and contents of all
// files in fsys, so editing or adding a migration produces a new template
// while identical migration sets share one.
func Goose(dialect Dialect, fsys fs.FS) (testdb.Preparer, error) {
	gooseDialect, err := gooseDialect(dialect)
	if err != nil {
		return nil, err
	}
	sum, err := fingerprint(fsys)
	if err != nil {
		return nil, fmt.Errorf("fingerprinting migrations: %w", err)
	}
	return &goosePreparer{dialect: gooseDialect, fsys: fsys, sum: sum}, nil
}

type goosePreparer struct {
	dialect database.Dialect
	fsys    fs.FS
	sum     string
}

func (p *goosePreparer) Prepare(ctx context.Context, db *sql.DB) error {
	provider, err := goose.NewProvider(p.dialect, db, p.fsys)
	if err != nil {
		return fmt.Errorf("constructing migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func (p *goosePreparer) Checksum() string { return p.sum }

func gooseDialect(d Dialect) (database.Dialect, error) {
	switch d {
	case Postgres:
		return database.DialectPostgres, nil
	case SQLite:
		return database.DialectSQLite3, nil
	default:
		return "", fmt.Errorf("unsupported migration dialect %q", d)
	}
}

// fingerprint hashes file names and contents in lexical walk order.
func fingerprint(fsys fs.FS) (string, error) {
	h := sha256.New()
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		h.Write([]byte(path))
		h.Write([]byte{0})
		h.Write(data)
		h.Write([]byte{0})
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

package testdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// Preparer is a unit of database setup (DDL/DML) applied exactly once per
// fingerprint under a given provider configuration. Implementations must be
// deterministic: two preparers with equal checksums must produce the same
// database state, because the result of one run is reused as a template for
// every later request with the same checksum.
type Preparer interface {
	// Prepare applies the setup against db. It runs at most once per
	// checksum per provider; failures are reported to every caller waiting
	// on the same checksum and leave the template rebuildable.
	Prepare(ctx context.Context, db *sql.DB) error

	// Checksum returns a stable content fingerprint of the setup work.
	Checksum() string
}

// noopPreparer stands in for a nil preparer: an empty template.
type noopPreparer struct{}

func (noopPreparer) Prepare(context.Context, *sql.DB) error { return nil }
func (noopPreparer) Checksum() string                       { return checksum("noop") }

// normalizePreparer maps nil to the no-op preparer so providers never branch
// on nil.
func normalizePreparer(p Preparer) Preparer {
	if p == nil {
		return noopPreparer{}
	}
	return p
}

type sqlPreparer struct {
	stmts []string
	sum   string
}

// NewSQLPreparer returns a preparer that executes the given statements in
// order. The fingerprint is derived from the statement contents, so two
// preparers built from the same statements share one template.
func NewSQLPreparer(stmts ...string) Preparer {
	h := sha256.New()
	for _, s := range stmts {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return &sqlPreparer{
		stmts: append([]string(nil), stmts...),
		sum:   hex.EncodeToString(h.Sum(nil)),
	}
}

func (p *sqlPreparer) Prepare(ctx context.Context, db *sql.DB) error {
	for _, stmt := range p.stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", stmt, err)
		}
	}
	return nil
}

func (p *sqlPreparer) Checksum() string { return p.sum }

type funcPreparer struct {
	name string
	fn   func(ctx context.Context, db *sql.DB) error
}

// NewPreparer wraps an arbitrary setup function. Go functions have no
// content identity, so the caller supplies a name that must change whenever
// the behavior of fn changes; the fingerprint is derived from it.
func NewPreparer(name string, fn func(ctx context.Context, db *sql.DB) error) Preparer {
	return &funcPreparer{name: name, fn: fn}
}

func (p *funcPreparer) Prepare(ctx context.Context, db *sql.DB) error {
	return p.fn(ctx, db)
}

func (p *funcPreparer) Checksum() string { return checksum("func:" + p.name) }

type compositePreparer struct {
	parts []Preparer
	sum   string
}

// Compose sequences preparers into one. The combined fingerprint covers the
// child fingerprints in order, so reordering produces a distinct template.
func Compose(ps ...Preparer) Preparer {
	h := sha256.New()
	parts := make([]Preparer, 0, len(ps))
	for _, p := range ps {
		p = normalizePreparer(p)
		parts = append(parts, p)
		h.Write([]byte(p.Checksum()))
		h.Write([]byte{0})
	}
	return &compositePreparer{parts: parts, sum: hex.EncodeToString(h.Sum(nil))}
}

func (p *compositePreparer) Prepare(ctx context.Context, db *sql.DB) error {
	for i, part := range p.parts {
		if err := part.Prepare(ctx, db); err != nil {
			return fmt.Errorf("preparer %d of %d: %w", i+1, len(p.parts), err)
		}
	}
	return nil
}

func (p *compositePreparer) Checksum() string { return p.sum }

func checksum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

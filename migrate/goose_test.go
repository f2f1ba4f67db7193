package migrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func migrationFS(statements map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, stmt := range statements {
		fsys[name] = &fstest.MapFile{Data: []byte(
			"-- +goose Up\n" + stmt + "\n-- +goose Down\nselect 1;\n",
		)}
	}
	return fsys
}

func TestGooseAppliesMigrationsInOrder(t *testing.T) {
	fsys := migrationFS(map[string]string{
		"00001_create.sql": "create table prime_number (number int primary key not null);",
		"00002_seed.sql":   "insert into prime_number (number) values (2), (3), (5);",
	})

	prep, err := Goose(SQLite, fsys)
	require.NoError(t, err)

	db, err := sql.Open("sqlite", "file:goose_up?mode=memory")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, prep.Prepare(context.Background(), db))

	var count int
	require.NoError(t, db.QueryRow("select count(*) from prime_number").Scan(&count))
	assert.Equal(t, 3, count, "the seed migration depends on the schema migration running first")
}

func TestGooseChecksumCoversNamesAndContents(t *testing.T) {
	base := migrationFS(map[string]string{"00001_create.sql": "create table t (id int);"})

	same, err := Goose(SQLite, migrationFS(map[string]string{"00001_create.sql": "create table t (id int);"}))
	require.NoError(t, err)
	ref, err := Goose(SQLite, base)
	require.NoError(t, err)
	assert.Equal(t, ref.Checksum(), same.Checksum(), "identical migration sets must share a fingerprint")

	edited, err := Goose(SQLite, migrationFS(map[string]string{"00001_create.sql": "create table t (id text);"}))
	require.NoError(t, err)
	assert.NotEqual(t, ref.Checksum(), edited.Checksum(), "editing a migration must change the fingerprint")

	renamed, err := Goose(SQLite, migrationFS(map[string]string{"00002_create.sql": "create table t (id int);"}))
	require.NoError(t, err)
	assert.NotEqual(t, ref.Checksum(), renamed.Checksum(), "renaming a migration must change the fingerprint")

	extended, err := Goose(SQLite, migrationFS(map[string]string{
		"00001_create.sql": "create table t (id int);",
		"00002_seed.sql":   "insert into t values (1);",
	}))
	require.NoError(t, err)
	assert.NotEqual(t, ref.Checksum(), extended.Checksum(), "adding a migration must change the fingerprint")
}

func TestGooseChecksumIgnoresDialect(t *testing.T) {
	fsys := migrationFS(map[string]string{"00001_create.sql": "create table t (id int);"})
	pg, err := Goose(Postgres, fsys)
	require.NoError(t, err)
	lite, err := Goose(SQLite, fsys)
	require.NoError(t, err)
	assert.Equal(t, pg.Checksum(), lite.Checksum(), "the fingerprint covers the migration files only")
}

func TestGooseRejectsUnknownDialect(t *testing.T) {
	_, err := Goose("oracle", fstest.MapFS{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")
}

func TestGooseSurfacesMigrationFailure(t *testing.T) {
	prep, err := Goose(SQLite, migrationFS(map[string]string{
		"00001_broken.sql": "definitely not sql;",
	}))
	require.NoError(t, err)

	db, err := sql.Open("sqlite", "file:goose_broken?mode=memory")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	err = prep.Prepare(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "applying migrations")
}

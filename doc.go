// Package testdb provisions isolated, pre-prepared database instances for
// automated tests.
//
// A test supplies a Preparer (a fingerprinted unit of schema and data
// setup) and receives an EmbeddedDatabase: a ready-to-use connection source
// whose backing database already reflects the preparer's effects. The heavy
// lifting happens once per unique preparer fingerprint: the first request
// builds a template database, and every later request clones it, so even
// large schemas cost a single preparation per test run.
//
// # Provider variants
//
// Three engine variants implement the same Provider contract:
//
//   - provider/sqlite: an in-process engine, cloned by file copy
//   - provider/postgres: a forked PostgreSQL server managed by the library
//   - provider/docker: a PostgreSQL container
//
// Variants register themselves on import, like database/sql drivers:
//
//	import _ "github.com/phrazzld/testdb/provider/postgres"
//
//	func TestSomething(t *testing.T) {
//		provider, err := testdb.NewProvider(testdb.DefaultConfig())
//		// ...
//		db, err := provider.CreateDatabase(ctx, testdb.NewSQLPreparer(
//			"create table prime_number (number int primary key not null)",
//		))
//	}
//
// # Isolation
//
// Every instance handed out is private to its test: writes through one are
// invisible through any other, including instances cloned from the same
// template. The isolation config option decides whether fingerprints share
// one backing server (database-level, the default) or each get a dedicated
// server process (cluster-level).
//
// # Lifecycle
//
// Providers are deduplicated process-wide by configuration identity, and
// backing servers live until testdb.Shutdown runs. Wire it up once:
//
//	func TestMain(m *testing.M) {
//		os.Exit(testdb.Main(m))
//	}
package testdb

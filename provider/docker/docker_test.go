package docker

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/testdb"
)

// requireDocker skips unless the containerized tests are explicitly enabled.
// They need a reachable Docker daemon and pull a PostgreSQL image.
func requireDocker(t *testing.T) {
	t.Helper()
	if os.Getenv("TESTDB_DOCKER_TEST") == "" {
		t.Skip("set TESTDB_DOCKER_TEST=1 to run containerized tests")
	}
}

func dockerConfig() testdb.Config {
	cfg := testdb.DefaultConfig()
	cfg.Engine = Engine
	return cfg
}

func newTestProvider(t *testing.T, cfg testdb.Config) testdb.Provider {
	t.Helper()
	p, err := New(cfg, testdb.Runtime{})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, p.Shutdown(context.Background()))
	})
	return p
}

func createAndWait(t *testing.T, p testdb.Provider, prep testdb.Preparer) (testdb.EmbeddedDatabase, *sql.DB) {
	t.Helper()
	ctx := context.Background()
	edb, err := p.CreateDatabase(ctx, prep)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, edb.Close(ctx)) })
	db, err := edb.DB(ctx)
	require.NoError(t, err)
	return edb, db
}

func TestCreateDatabaseClonesTemplate(t *testing.T) {
	requireDocker(t)
	p := newTestProvider(t, dockerConfig())

	prep := testdb.NewSQLPreparer(
		"create table prime_number (number int primary key not null)",
		"insert into prime_number (number) values (2), (3), (5)",
	)
	_, db := createAndWait(t, p, prep)

	var count int
	require.NoError(t, db.QueryRow("select count(*) from prime_number").Scan(&count))
	assert.Equal(t, 3, count)
}

func TestInstancesShareContainerUnderDatabaseIsolation(t *testing.T) {
	requireDocker(t)
	p := newTestProvider(t, dockerConfig())

	edbA, dbA := createAndWait(t, p, testdb.NewSQLPreparer("create table a (id int)"))
	edbB, _ := createAndWait(t, p, testdb.NewSQLPreparer("create table b (id int)"))

	assert.Equal(t, edbA.Port(), edbB.Port(), "database-level isolation shares one container across fingerprints")
	assert.NotEqual(t, edbA.DataSourceName(), edbB.DataSourceName())

	_, err := dbA.Exec("insert into a (id) values (1)")
	require.NoError(t, err)
}

func TestContainerPerFingerprintUnderClusterIsolation(t *testing.T) {
	requireDocker(t)
	cfg := dockerConfig()
	cfg.Isolation = testdb.IsolationCluster
	p := newTestProvider(t, cfg)

	edbA, _ := createAndWait(t, p, testdb.NewSQLPreparer("create table a (id int)"))
	edbB, _ := createAndWait(t, p, testdb.NewSQLPreparer("create table b (id int)"))

	assert.NotEqual(t, edbA.Port(), edbB.Port(), "cluster-level isolation runs one container per fingerprint")
}

func TestServerPropertiesReachTheContainer(t *testing.T) {
	requireDocker(t)
	cfg := dockerConfig()
	cfg.ServerProperties = map[string]string{"max_connections": "100"}
	p := newTestProvider(t, cfg)

	_, db := createAndWait(t, p, nil)

	var maxConnections string
	require.NoError(t, db.QueryRow("show max_connections").Scan(&maxConnections))
	assert.Equal(t, "300", maxConnections)
}

func TestTmpfsMount(t *testing.T) {
	requireDocker(t)
	cfg := dockerConfig()
	cfg.Docker.TmpfsEnabled = true
	p := newTestProvider(t, cfg)

	_, db := createAndWait(t, p, testdb.NewSQLPreparer("create table t (id int)"))
	var n int
	require.NoError(t, db.QueryRow("select count(*) from t").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestIdleContainersReclaimedToBound(t *testing.T) {
	requireDocker(t)
	cfg := dockerConfig()
	cfg.Isolation = testdb.IsolationCluster
	cfg.MaxIdleClusters = 1
	p := newTestProvider(t, cfg)
	ctx := context.Background()

	instances := make([]testdb.EmbeddedDatabase, 0, 3)
	for i := 0; i < 3; i++ {
		edb, err := p.CreateDatabase(ctx, testdb.NewSQLPreparer(
			fmt.Sprintf("create table t_%d (id int)", i),
		))
		require.NoError(t, err)
		_, err = edb.DB(ctx)
		require.NoError(t, err)
		instances = append(instances, edb)
	}
	require.Equal(t, 3, p.(*Provider).clusters.Len(), "cluster isolation runs one container per fingerprint")

	for _, edb := range instances {
		require.NoError(t, edb.Close(ctx))
	}
	assert.Equal(t, 1, p.(*Provider).clusters.Len(), "idle containers beyond the bound must be terminated on release")
}

func TestReclamationSparesContainersMidBuild(t *testing.T) {
	requireDocker(t)
	cfg := dockerConfig()
	cfg.Isolation = testdb.IsolationCluster
	cfg.MaxIdleClusters = 0
	p := newTestProvider(t, cfg)
	ctx := context.Background()

	first, err := p.CreateDatabase(ctx, testdb.NewSQLPreparer("create table held (id int)"))
	require.NoError(t, err)
	_, err = first.DB(ctx)
	require.NoError(t, err)

	started := make(chan struct{})
	proceed := make(chan struct{})
	slow := testdb.NewPreparer("slow-build", func(ctx context.Context, db *sql.DB) error {
		close(started)
		<-proceed
		_, err := db.ExecContext(ctx, "create table slow (id int)")
		return err
	})

	type result struct {
		edb testdb.EmbeddedDatabase
		err error
	}
	done := make(chan result, 1)
	go func() {
		edb, err := p.CreateDatabase(ctx, slow)
		done <- result{edb, err}
	}()

	<-started
	require.NoError(t, first.Close(ctx))
	close(proceed)

	res := <-done
	require.NoError(t, res.err, "an instance mid-build must survive another instance's teardown")
	db, err := res.edb.DB(ctx)
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRow("select count(*) from slow").Scan(&n))
	require.NoError(t, res.edb.Close(ctx))
}

func TestPreparerRunsOncePerFingerprint(t *testing.T) {
	requireDocker(t)
	p := newTestProvider(t, dockerConfig())
	ctx := context.Background()

	var preparations atomic.Int32
	prep := testdb.NewPreparer("counted-schema", func(ctx context.Context, db *sql.DB) error {
		preparations.Add(1)
		_, err := db.ExecContext(ctx, "create table counted (id int)")
		return err
	})

	const callers = 8
	var wg sync.WaitGroup
	instances := make([]testdb.EmbeddedDatabase, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			instances[i], errs[i] = p.CreateDatabase(ctx, prep)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), preparations.Load(), "concurrent callers must share one template build")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		require.NoError(t, instances[i].Close(ctx))
	}
}

func TestInitdbArgs(t *testing.T) {
	assert.Equal(t, "", initdbArgs("", nil))
	assert.Equal(t, "--locale=cs_CZ.UTF-8", initdbArgs("cs_CZ.UTF-8", nil))
	assert.Equal(t,
		"--locale=cs_CZ.UTF-8 --lc-collate=fr_BE.UTF-8 --lc-monetary=de_DE.UTF-8",
		initdbArgs("cs_CZ.UTF-8", map[string]string{
			"lc-monetary": "de_DE.UTF-8",
			"lc-collate":  "fr_BE.UTF-8",
		}),
		"initdb options follow the locale in sorted order")
}

func TestServerCommand(t *testing.T) {
	assert.Nil(t, serverCommand(nil))
	assert.Equal(t,
		[]string{"postgres", "-c", "max_connections=300", "-c", "shared_buffers=64MB"},
		serverCommand(map[string]string{
			"shared_buffers":  "64MB",
			"max_connections": "300",
		}))
}

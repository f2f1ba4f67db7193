package gate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func memorySource(t *testing.T, drop func(context.Context) error) *Source {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory", t.Name())
	return NewSource("sqlite", dsn, 0, nil, drop)
}

func TestDBBlocksUntilReady(t *testing.T) {
	src := memorySource(t, nil)

	got := make(chan error, 1)
	go func() {
		_, err := src.DB(context.Background())
		got <- err
	}()

	select {
	case <-got:
		t.Fatal("DB returned before the source was ready")
	case <-time.After(20 * time.Millisecond):
	}

	src.Ready(nil)
	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("DB did not return after Ready")
	}

	require.NoError(t, src.Close(context.Background()))
}

func TestDBSurfacesPreparationFailure(t *testing.T) {
	src := memorySource(t, nil)
	boom := errors.New("preparer blew up")
	src.Ready(boom)

	_, err := src.DB(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestDBSharesOneHandle(t *testing.T) {
	src := memorySource(t, nil)
	src.Ready(nil)

	db1, err := src.DB(context.Background())
	require.NoError(t, err)
	db2, err := src.DB(context.Background())
	require.NoError(t, err)
	assert.Same(t, db1, db2, "all callers must share one handle")

	require.NoError(t, src.Close(context.Background()))
}

func TestCloseSwallowsDropFailure(t *testing.T) {
	dropped := false
	src := memorySource(t, func(context.Context) error {
		dropped = true
		return errors.New("drop failed")
	})
	src.Ready(nil)

	_, err := src.DB(context.Background())
	require.NoError(t, err)

	assert.NoError(t, err, "drop failures are teardown warnings, not errors")
	require.NoError(t, src.Close(context.Background()))
	assert.True(t, dropped, "drop must still be attempted")

	// Close is idempotent; drop runs once.
	dropped = false
	require.NoError(t, src.Close(context.Background()))
	assert.False(t, dropped)
}

func TestCloseWaitsForReadiness(t *testing.T) {
	var prepared atomic.Bool
	var droppedAfterPrepared atomic.Bool
	src := memorySource(t, func(context.Context) error {
		droppedAfterPrepared.Store(prepared.Load())
		return nil
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		prepared.Store(true)
		src.Ready(nil)
	}()

	require.NoError(t, src.Close(context.Background()))
	assert.True(t, droppedAfterPrepared.Load(), "teardown must not run while preparation is in flight")
}

func TestCloseStillDropsAfterPreparationFailure(t *testing.T) {
	dropped := false
	src := memorySource(t, func(context.Context) error {
		dropped = true
		return nil
	})
	src.Ready(errors.New("preparation failed"))

	require.NoError(t, src.Close(context.Background()))
	assert.True(t, dropped, "the half-made database must still be dropped")
}

func TestAccessorsDoNotBlock(t *testing.T) {
	src := NewSource("sqlite", "file:accessors?mode=memory", 5432, nil, nil)
	assert.Equal(t, "file:accessors?mode=memory", src.DataSourceName())
	assert.Equal(t, 5432, src.Port())
}

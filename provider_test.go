package testdb

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider records lifecycle calls so the process-wide table can be
// tested without a real backing engine.
type fakeProvider struct {
	identity  string
	shutdowns atomic.Int32
}

func (f *fakeProvider) CreateDatabase(context.Context, Preparer) (EmbeddedDatabase, error) {
	return nil, nil
}

func (f *fakeProvider) Identity() string { return f.identity }

func (f *fakeProvider) Shutdown(context.Context) error {
	f.shutdowns.Add(1)
	return nil
}

func init() {
	Register("fake", func(cfg Config, rt Runtime) (Provider, error) {
		return &fakeProvider{identity: cfg.Identity()}, nil
	})
}

func fakeConfig(locale string) Config {
	cfg := DefaultConfig()
	cfg.Engine = "fake"
	cfg.Locale = locale
	return cfg
}

func TestNewProviderDeduplicatesEqualConfigs(t *testing.T) {
	t.Cleanup(func() { require.NoError(t, Shutdown(context.Background())) })

	p1, err := NewProvider(fakeConfig("dedup"))
	require.NoError(t, err)
	p2, err := NewProvider(fakeConfig("dedup"))
	require.NoError(t, err)

	assert.Same(t, p1, p2, "equal configs must resolve to one provider")
	assert.Equal(t, p1.Identity(), p2.Identity())
}

func TestNewProviderDistinguishesConfigs(t *testing.T) {
	t.Cleanup(func() { require.NoError(t, Shutdown(context.Background())) })

	p1, err := NewProvider(fakeConfig("one"))
	require.NoError(t, err)
	p2, err := NewProvider(fakeConfig("two"))
	require.NoError(t, err)

	assert.NotSame(t, p1, p2)
	assert.NotEqual(t, p1.Identity(), p2.Identity())
}

func TestNewProviderRejectsUnknownEngine(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine = "no-such-engine"
	_, err := NewProvider(cfg)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestNewProviderValidatesConfig(t *testing.T) {
	cfg := fakeConfig("validate")
	cfg.Isolation = "bogus"
	_, err := NewProvider(cfg)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestShutdownStopsAllProviders(t *testing.T) {
	p1, err := NewProvider(fakeConfig("shutdown-1"))
	require.NoError(t, err)
	p2, err := NewProvider(fakeConfig("shutdown-2"))
	require.NoError(t, err)

	require.NoError(t, Shutdown(context.Background()))
	assert.Equal(t, int32(1), p1.(*fakeProvider).shutdowns.Load())
	assert.Equal(t, int32(1), p2.(*fakeProvider).shutdowns.Load())

	// The table is cleared: a later request constructs a fresh provider.
	p3, err := NewProvider(fakeConfig("shutdown-1"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, Shutdown(context.Background())) })
	assert.NotSame(t, p1, p3)
}

func TestTeardownRegistrarShutsDownProvider(t *testing.T) {
	var registered func()
	p, err := NewProvider(fakeConfig("registrar"), WithTeardownRegistrar(func(shutdown func()) {
		registered = shutdown
	}))
	require.NoError(t, err)
	require.NotNil(t, registered, "the registrar must receive the shutdown callback")

	registered()
	assert.Equal(t, int32(1), p.(*fakeProvider).shutdowns.Load())

	// The provider was removed from the table; the callback is idempotent.
	registered()
	assert.Equal(t, int32(1), p.(*fakeProvider).shutdowns.Load())
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	assert.Panics(t, func() {
		Register("fake", func(Config, Runtime) (Provider, error) { return nil, nil })
	})
	assert.Panics(t, func() {
		Register("nil-factory", nil)
	})
}

// Package helpers provides a miniredis-backed engine environment and step
// builders for tests
package helpers

import (
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/paywise/flowengine/internal/bus"
	"github.com/paywise/flowengine/internal/catalog"
	"github.com/paywise/flowengine/internal/config"
	"github.com/paywise/flowengine/internal/engine"
	"github.com/paywise/flowengine/internal/store"
)

// TestEnv holds all the components needed for engine testing
type TestEnv struct {
	Engine  *engine.Engine
	Store   *store.Store
	Bus     *bus.Bus
	Catalog *catalog.Catalog
	Redis   *miniredis.Miniredis
	Config  *config.Config
	Cleanup func()
}

// NewTestConfig creates a configuration tuned for fast test turnaround
func NewTestConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.LogLevel = "debug"
	cfg.RetrySweepInterval = 100 * time.Millisecond
	cfg.RetryMaxInFlight = 4
	cfg.DefaultStepTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

// NewTestEnv creates a fully configured engine environment backed by an
// in-memory Redis
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	server, err := miniredis.Run()
	assert.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	st := store.NewWithClient(client, "test", slog.Default())

	b := bus.New()
	cat := catalog.New()
	cfg := NewTestConfig()
	eng := engine.New(st, cat, b, cfg, slog.Default())

	cleanup := func() {
		_ = eng.Stop()
		b.Close()
		_ = st.Close()
		server.Close()
	}

	return &TestEnv{
		Engine:  eng,
		Store:   st,
		Bus:     b,
		Catalog: cat,
		Redis:   server,
		Config:  cfg,
		Cleanup: cleanup,
	}
}

// NewEngineInstance creates a new engine sharing the same store, catalog,
// and bus. Used to simulate process restart after a crash
func (e *TestEnv) NewEngineInstance() *engine.Engine {
	return engine.New(
		e.Store, e.Catalog, e.Bus, e.Config, slog.Default(),
	)
}

// WithTestEnv creates a test environment, executes the provided function
// with it, and ensures cleanup happens automatically
func WithTestEnv(t *testing.T, fn func(*TestEnv)) {
	t.Helper()
	env := NewTestEnv(t)
	defer env.Cleanup()
	fn(env)
}

// WithStartedEnv creates a test environment, starts the engine, executes the
// provided function, and ensures cleanup happens automatically
func WithStartedEnv(t *testing.T, fn func(*TestEnv)) {
	t.Helper()
	WithTestEnv(t, func(env *TestEnv) {
		env.Engine.Start()
		fn(env)
	})
}

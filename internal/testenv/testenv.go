// Package testenv locates the SurrealDB instance used by integration tests.
//
// Integration tests run only when SURREALDB_URL is set, so the default test
// run needs nothing but the Go toolchain.
package testenv

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/surrealdb/surrealshop/pkg/remote"
)

const (
	// EnvWSURL is the environment variable that specifies the SurrealDB WebSocket URL.
	EnvWSURL = "SURREALDB_URL"

	// EnvConnectionImpl selects the SDK transport: "gws" uses the gws
	// package, anything else gorilla/websocket.
	EnvConnectionImpl = "SURREALDB_CONNECTION_IMPL"

	DefaultNamespace = "surrealshop_test"
	DefaultUser      = "root"
	DefaultPassword  = "root"
)

// SurrealURL returns the configured WebSocket URL, converting an http URL if
// one was given.
func SurrealURL() (string, bool) {
	u := os.Getenv(EnvWSURL)
	if u == "" {
		return "", false
	}
	return strings.Replace(u, "http", "ws", 1), true
}

// SurrealConfig skips t unless SurrealDB is configured and returns a config
// pointing at a fresh database.
func SurrealConfig(t testing.TB) remote.SurrealConfig {
	t.Helper()
	u, ok := SurrealURL()
	if !ok {
		t.Skipf("%s not set, skipping SurrealDB integration test", EnvWSURL)
	}
	return remote.SurrealConfig{
		URL:       u,
		Namespace: DefaultNamespace,
		Database:  "t_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Username:  DefaultUser,
		Password:  DefaultPassword,
		Transport: Transport(),
	}
}

// Transport returns the SDK transport named by EnvConnectionImpl.
func Transport() string {
	if os.Getenv(EnvConnectionImpl) == remote.TransportGWS {
		return remote.TransportGWS
	}
	return remote.TransportGorilla
}

// SurrealStore connects to a fresh database and removes the given tables when
// the test ends.
func SurrealStore(t testing.TB, tables ...string) *remote.SurrealStore {
	t.Helper()
	cfg := SurrealConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := remote.NewSurrealStore(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("connect to SurrealDB at %s over %s: %v", cfg.URL, cfg.Transport, err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, table := range tables {
			if err := store.RemoveCollection(ctx, table); err != nil {
				t.Logf("%v", fmt.Errorf("cleanup: %w", err))
			}
		}
		_ = store.Close(ctx)
	})
	return store
}

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/group-allocator/group-registry/internal/config"
)

func TestRunMigrations_SkipsNonPostgresBackends(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite", "redis"} {
		t.Run(backend, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Logging.Format = "text"
			cfg.Logging.Level = "error"
			cfg.Store.Backend = backend
			// Unreachable on purpose: the command must not try to connect.
			cfg.Database.Host = "127.0.0.1"
			cfg.Database.Port = 1

			assert.NoError(t, runMigrations(cfg, "up"))
		})
	}
}

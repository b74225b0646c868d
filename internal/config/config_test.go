package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvConfig, "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Upstream, cfg.Upstream)
	assert.Equal(t, "api-v1", cfg.Namespaces().API)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, `
upstream: https://claims.example.com
cache_version: v7
api:
  ttl: 2m
  max_size: 10
api_prefixes: ["/api/"]
precache:
  paths: ["/", "/app.js"]
  discover: true
invalidation:
  claim:
    namespaces: [api-v7]
    collections: [claims]
    entity: claim
`)
	t.Setenv(EnvListen, "127.0.0.1:9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://claims.example.com", cfg.Upstream)
	assert.Equal(t, "127.0.0.1:9999", cfg.Listen)
	assert.Equal(t, 2*time.Minute, cfg.API.TTL)
	assert.True(t, cfg.Precache.Discover)

	rc := cfg.Router()
	assert.Equal(t, "static-v7", rc.Namespaces.Static)
	assert.Equal(t, 10, rc.API.MaxSize)
	assert.Equal(t, 24*time.Hour, rc.Static.TTL, "unset sections keep defaults")

	rules := cfg.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, []string{"api-v7"}, rules["claim"].Namespaces)
}

func TestRouterCarriesUpstreamBasePath(t *testing.T) {
	cfg := Default()
	cfg.Upstream = "https://claims.example.com/app"
	assert.Equal(t, "/app", cfg.Router().BasePath)

	cfg.Upstream = "https://claims.example.com"
	assert.Empty(t, cfg.Router().BasePath)
}

func TestDefaultRulesFollowVersion(t *testing.T) {
	cfg := Default()
	cfg.CacheVersion = "v2"
	rules := cfg.Rules()
	assert.Contains(t, rules, "supplier")
	assert.Equal(t, []string{"api-v2"}, rules["claim"].Namespaces)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad upstream", "upstream: not a url", "upstream must be a valid URL"},
		{"bad version", "cache_version: v-1", "cacheversion must be alphanumeric"},
		{"relative prefix", "api_prefixes: [api/]", "apiprefixes[0] must start with"},
		{"negative ttl", "static: {ttl: -1s}", "static.ttl is out of range"},
		{"empty rule", "invalidation: {claim: {entity: claim}}", `invalidation rule "claim" is empty`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeFile(t, "upstream: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/baseera/internal/config"
)

type testConfig struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Addrs  []string
		Prefix string
	}

	Session struct {
		CodeTTL time.Duration
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad(t *testing.T) {
	p := writeFile(t, `
http:
  port: 8080
redis:
  addrs: ["localhost:6379"]
session:
  codettl: 48h
`)

	var c testConfig
	c.Redis.Prefix = "baseera"

	require.NoError(t, config.Load(p, &c))

	assert.Equal(t, int32(8080), c.HTTP.Port)
	assert.Equal(t, []string{"localhost:6379"}, c.Redis.Addrs)
	assert.Equal(t, 48*time.Hour, c.Session.CodeTTL)
	assert.Equal(t, "baseera", c.Redis.Prefix, "defaults kept when file omits the key")
}

func TestLoadEnvOverride(t *testing.T) {
	p := writeFile(t, `
http:
  port: 8080
`)
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("REDIS_PREFIX", "staging")

	var c testConfig
	require.NoError(t, config.Load(p, &c))

	assert.Equal(t, int32(9000), c.HTTP.Port)
	assert.Equal(t, "staging", c.Redis.Prefix)
}

func TestLoadMissingFile(t *testing.T) {
	var c testConfig
	err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), &c)
	assert.Error(t, err)
}

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("REDIS_ADDRS", "a:6379,b:6379")
	t.Setenv("SESSION_CODETTL", "36h")

	var c testConfig
	c.HTTP.Port = 8080
	require.NoError(t, config.Load("", &c))

	assert.Equal(t, int32(8080), c.HTTP.Port)
	assert.Equal(t, []string{"a:6379", "b:6379"}, c.Redis.Addrs)
	assert.Equal(t, 36*time.Hour, c.Session.CodeTTL)
}

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	setEnv(t, map[string]string{
		"VSERVER_DBUSER": "u",
		"VSERVER_DBNAME": "n",
		"VSERVER_DBHOST": "h",
	})
	r := NewGatewayRegistry()
	require.NoError(t, r.Load("", ""))

	require.Equal(t, 5432, r.Int("DBPORT"))
	require.Equal(t, 8080, r.Int("HTTPPORT"))
	require.False(t, r.Bool("TLS"))
	require.Equal(t, "info", r.String("LOGLEVEL"))
	require.Equal(t, -1, r.Int("WORKERS"))
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	setEnv(t, map[string]string{
		"VSERVER_DBUSER": "u",
		"VSERVER_DBNAME": "n",
		"VSERVER_DBHOST": "h",
		"VSERVER_DBPORT": "6000",
		"VSERVER_TLS":    "true",
	})
	r := NewGatewayRegistry()
	require.NoError(t, r.Load("", ""))

	require.Equal(t, 6000, r.Int("DBPORT"))
	require.True(t, r.Bool("TLS"))
}

func TestLoadMissingRequiredKeyFails(t *testing.T) {
	r := NewGatewayRegistry()
	err := r.Load("", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "DBUSER")
}

func TestLoadValidatorRejectsBadValue(t *testing.T) {
	setEnv(t, map[string]string{
		"VSERVER_DBUSER":  "u",
		"VSERVER_DBNAME":  "n",
		"VSERVER_DBHOST":  "h",
		"VSERVER_TIMEOUT": "1",
	})
	r := NewGatewayRegistry()
	err := r.Load("", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "TIMEOUT")
}

func TestLoadFileIsOverriddenByEnv(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.json")
	require.NoError(t, err)
	_, err = f.WriteString(`{"DBUSER":"file-user","DBNAME":"file-db","DBHOST":"file-host","DBPORT":7000}`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	setEnv(t, map[string]string{
		"VSERVER_DBPORT": "9000",
	})
	r := NewGatewayRegistry()
	require.NoError(t, r.Load(f.Name(), ""))

	require.Equal(t, "file-user", r.String("DBUSER"))
	require.Equal(t, "file-host", r.String("DBHOST"))
	require.Equal(t, 9000, r.Int("DBPORT"), "env var must win over file value")
}

func TestWorkersResolvesRelativeToCPUCount(t *testing.T) {
	setEnv(t, map[string]string{
		"VSERVER_DBUSER":  "u",
		"VSERVER_DBNAME":  "n",
		"VSERVER_DBHOST":  "h",
		"VSERVER_WORKERS": "0",
	})
	r := NewGatewayRegistry()
	require.NoError(t, r.Load("", ""))
	require.Equal(t, 1, r.Workers())
}

func TestPatternKeysCollectedFromEnv(t *testing.T) {
	setEnv(t, map[string]string{
		"VSERVER_DBUSER":            "u",
		"VSERVER_DBNAME":            "n",
		"VSERVER_DBHOST":            "h",
		"VSERVER_CORS_ALLOWED_SITE": "https://example.com",
	})
	r := NewGatewayRegistry()
	require.NoError(t, r.Load("", ""))
	require.True(t, r.Has("CORS_ALLOWED_SITE"))
	require.Equal(t, "https://example.com", r.String("CORS_ALLOWED_SITE"))
}

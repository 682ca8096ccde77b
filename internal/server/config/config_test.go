package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wpfleet/mailvault/internal/cryptox"
)

func defaults() Config {
	var c Config
	c.LoadDefaults()
	return c
}

// isolateEnv clears the secret variables and moves into an empty directory
// so a developer's .env does not leak into tests.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvMasterSecret, EnvStorageSalt, EnvRecoverySalt, EnvDownloadTokenSecret, EnvDatabaseDSN} {
		t.Setenv(k, "")
	}
	t.Chdir(t.TempDir())
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c := defaults()

	assert.Equal(t, cryptox.MinIterations, c.KDFIterations)
	assert.Equal(t, 365*24*time.Hour, c.EmailRetention)
	assert.Equal(t, 7*24*time.Hour, c.PackageTTL)
	assert.Equal(t, 1000, c.MaxExportEmails)
	assert.Equal(t, 5*time.Second, c.StoreTimeout)
	assert.Empty(t, c.MasterSecret)
	assert.False(t, c.S3Enabled)
}

func TestLoadConfig_NoSourcesGivesDefaults(t *testing.T) {
	isolateEnv(t)

	c, err := LoadConfig(nil)
	require.NoError(t, err)

	want := defaults()
	if diff := cmp.Diff(want, *c); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	isolateEnv(t)

	jsonPath := writeFile(t, "cfg.json", `{
		"database_dsn": "postgres://json",
		"package_ttl": "48h",
		"store_timeout": 2000000000,
		"max_export_emails": 10,
		"s3_enabled": true,
		"s3_bucket": "json-bucket"
	}`)
	t.Setenv(EnvMasterSecret, "master")
	t.Setenv(EnvStorageSalt, "storage")
	t.Setenv(EnvRecoverySalt, "recovery")

	c, err := LoadConfig([]string{"-c", jsonPath, "-b", "flag-bucket", "-t", "3s", "serve"})
	require.NoError(t, err)

	want := defaults()
	want.DatabaseDSN = "postgres://json"
	want.PackageTTL = 48 * time.Hour
	want.MaxExportEmails = 10
	want.S3Enabled = true
	want.S3Bucket = "flag-bucket"
	want.StoreTimeout = 3 * time.Second
	want.MasterSecret = "master"
	want.StorageSalt = "storage"
	want.RecoverySalt = "recovery"

	if diff := cmp.Diff(want, *c); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_EnvFile(t *testing.T) {
	isolateEnv(t)

	envPath := writeFile(t, "secrets.env", "MAILVAULT_MASTER_SECRET=m\nMAILVAULT_STORAGE_SALT=s\nMAILVAULT_RECOVERY_SALT=r\nMAILVAULT_DOWNLOAD_TOKEN_SECRET=tok\n")
	// godotenv does not override variables that already exist.
	for _, k := range []string{EnvMasterSecret, EnvStorageSalt, EnvRecoverySalt, EnvDownloadTokenSecret} {
		require.NoError(t, os.Unsetenv(k))
	}

	c, err := LoadConfig([]string{"-env", envPath})
	require.NoError(t, err)

	assert.Equal(t, cryptox.Secrets{MasterSecret: "m", StorageSalt: "s", RecoverySalt: "r", Iterations: cryptox.MinIterations}, c.Secrets())
	assert.Equal(t, "tok", c.DownloadTokenSecret)
}

func TestLoadConfig_ProcessEnvWinsOverFile(t *testing.T) {
	isolateEnv(t)
	t.Setenv(EnvMasterSecret, "from-env")

	envPath := writeFile(t, "secrets.env", "MAILVAULT_MASTER_SECRET=from-file\n")

	c, err := LoadConfig([]string{"-env", envPath})
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.MasterSecret)
}

func TestLoadConfig_Errors(t *testing.T) {
	isolateEnv(t)

	badJSON := writeFile(t, "bad.json", `{"package_ttl": "soon"}`)

	tests := []struct {
		name string
		args []string
	}{
		{"missing json file", []string{"-c", filepath.Join(t.TempDir(), "nope.json")}},
		{"invalid json", []string{"-config", badJSON}},
		{"missing explicit env file", []string{"-env", filepath.Join(t.TempDir(), "nope.env")}},
		{"bad flag value", []string{"-i", "many"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(tt.args)
			require.Error(t, err)
		})
	}
}

func TestParseFlags_IgnoresForeignFlags(t *testing.T) {
	c := defaults()

	err := parseFlags(&c, []string{"--user", "u1", "-x", "1", "-d", "postgres://flag", "-o"})
	require.NoError(t, err)

	assert.Equal(t, "postgres://flag", c.DatabaseDSN)
	assert.True(t, c.S3Enabled)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zk/snapreport/internal/logger"
	"github.com/zk/snapreport/internal/merge"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultReportPath, cfg.ReportPath)
	assert.Equal(t, 0, cfg.Workers)
	assert.False(t, cfg.Reuse)
	assert.Equal(t, merge.PolicyPriority, cfg.MergePolicy())
	assert.Equal(t, DefaultServerAddr, cfg.Server.Addr)
	assert.False(t, cfg.Server.Enabled)
	assert.Equal(t, logger.WARN, cfg.Level())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
report_path: out/report
workers: 3
reuse: true
merge:
  policy: renumber
server:
  addr: ":9000"
`), 0644))

	t.Setenv("SNAPREPORT_WORKERS", "5")
	t.Setenv("SNAPREPORT_SERVER_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "out/report", cfg.ReportPath)
	assert.Equal(t, 5, cfg.Workers, "env overrides the file")
	assert.True(t, cfg.Reuse)
	assert.Equal(t, merge.PolicyRenumber, cfg.MergePolicy())
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.True(t, cfg.Server.Enabled)
}

func TestLoad_SearchesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("HOME", t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".snapreport.yaml"), []byte("log_level: debug\n"), 0644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, logger.DEBUG, cfg.Level())
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("merge:\n  policy: newest\n"), 0644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid config")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{ReportPath: "r", Merge: MergeConfig{Policy: "priority"}, LogLevel: "INFO"}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		fails   bool
		wantErr error
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "empty policy means default", mutate: func(c *Config) { c.Merge.Policy = "" }},
		{name: "negative workers", mutate: func(c *Config) { c.Workers = -1 }, fails: true, wantErr: ErrInvalidWorkers},
		{name: "empty report path", mutate: func(c *Config) { c.ReportPath = "" }, fails: true, wantErr: ErrEmptyReportPath},
		{name: "unknown policy", mutate: func(c *Config) { c.Merge.Policy = "x" }, fails: true},
		{name: "unknown level", mutate: func(c *Config) { c.LogLevel = "loud" }, fails: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()

			if !tt.fails {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

// chdir changes the working directory for the duration of the test
// (equivalent to testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}

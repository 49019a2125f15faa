package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airbusgeo/s2-quicklook/common"
	"github.com/airbusgeo/s2-quicklook/processor"
	"github.com/airbusgeo/s2-quicklook/workflow"
)

func TestDefaultConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.validate())
	assert.Equal(t, "cdse-public", cfg.ClientID)
	assert.Equal(t, []string{"B02", "B03", "B04"}, cfg.Bands)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout.Duration)
	assert.Equal(t, 60*time.Second, cfg.ReadTimeout.Duration)
	assert.Equal(t, 10, cfg.MaxRedirects)
	assert.Equal(t, processor.DefaultWindowSize, cfg.WindowSize)
	assert.Empty(t, cfg.Username)
	assert.Empty(t, cfg.Password)
}

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "quicklook.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestConfigLayers(t *testing.T) {
	path := writeConfig(t, `
username = "file-user"
password = "file-pass"
cache_dir = "/data/cache"
window_size = 500
read_timeout = "2m"
bands = ["B02", "B03", "B08"]

[s3]
region = "eu-west-3"
`)
	t.Setenv("QUICKLOOK_PASSWORD", "env-pass")
	t.Setenv("QUICKLOOK_CONNECT_TIMEOUT", "3s")
	t.Setenv("QUICKLOOK_S3_ACCESS_KEY_ID", "key")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "file-user", cfg.Username)
	assert.Equal(t, "env-pass", cfg.Password)
	assert.Equal(t, "/data/cache", cfg.CacheDir)
	assert.Equal(t, 500, cfg.WindowSize)
	assert.Equal(t, 2*time.Minute, cfg.ReadTimeout.Duration)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout.Duration)
	assert.Equal(t, []string{"B02", "B03", "B08"}, cfg.Bands)
	assert.Equal(t, "eu-west-3", cfg.S3.Region)
	assert.Equal(t, "key", cfg.S3.AccessKeyID)
	assert.Equal(t, 2.5, cfg.Gain)

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("cache-dir", "", "")
	cmd.Flags().String("log-level", "info", "")
	cmd.Flags().Int("window-size", 1000, "")
	cmd.Flags().Uint64("seed", 0, "")
	require.NoError(t, cmd.ParseFlags([]string{"--cache-dir", "/flag/cache", "--seed", "42"}))
	require.NoError(t, applyFlags(cmd, cfg))
	assert.Equal(t, "/flag/cache", cfg.CacheDir)
	assert.Equal(t, uint64(42), cfg.Seed)
	assert.Equal(t, 500, cfg.WindowSize, "unset flags must not override")
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, `unknown_key = 1`))
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, `read_timeout = "ten seconds"`))
	assert.Error(t, err)

	t.Setenv("QUICKLOOK_WINDOW_SIZE", "big")
	_, err = loadConfig("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*config){
		"bands":         func(c *config) { c.Bands = []string{"B02"} },
		"window":        func(c *config) { c.WindowSize = 0 },
		"gain":          func(c *config) { c.Gain = -1 },
		"page size":     func(c *config) { c.PageSize = 0 },
		"max redirects": func(c *config) { c.MaxRedirects = 0 },
		"timeout":       func(c *config) { c.ReadTimeout.Duration = -time.Second },
		"catalog":       func(c *config) { c.CatalogURL = "" },
		"output":        func(c *config) { c.OutputDir = "" },
	} {
		cfg := defaultConfig()
		mutate(cfg)
		assert.Error(t, cfg.validate(), name)
	}
}

// A run without credentials prints its status lines and stops at the authentication
func TestRunWorkflowWithoutCredentials(t *testing.T) {
	cfg := defaultConfig()
	cfg.CacheDir = t.TempDir()
	cfg.OutputDir = t.TempDir()
	ctx := context.Background()

	wf, closer, err := newWorkflow(ctx, cfg)
	require.NoError(t, err)
	defer closer()
	wf.Catalog = staticCatalog{common.NewProduct("id", "S2A_MSIL1C_20230103T090351_N0509_R007_T35TPF_20230103T094006")}

	criteria, err := common.ParseSearchCriteria("2023-01-01", "2023-01-30", "10", "41.0082", "28.9784")
	require.NoError(t, err)
	out := &bytes.Buffer{}
	require.NoError(t, runWorkflow(ctx, wf, criteria, out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{
		"Starting query...",
		"1 products found.",
		"Authenticating...",
		"Authentication failed!",
		"Run complete",
	}, lines)
}

type staticCatalog []common.Product

func (s staticCatalog) SearchProducts(context.Context, common.SearchCriteria) ([]common.Product, error) {
	return s, nil
}

var _ workflow.Catalog = staticCatalog{}

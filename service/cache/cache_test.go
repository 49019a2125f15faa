package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bandFile = "T35TPF_20230103T090351_B02.jp2"

func write(t *testing.T, p string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte("band"), 0644))
}

func TestLookupCommit(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	p, ok := c.Lookup("product-a", bandFile)
	assert.False(t, ok)
	assert.Equal(t, filepath.Join(dir, bandFile), p)

	write(t, p)
	require.NoError(t, c.Commit("product-a", bandFile))

	p, ok = c.Lookup("product-a", bandFile)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, bandFile), p)
}

func TestFilenameCollision(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	write(t, c.Path("product-a", bandFile))
	require.NoError(t, c.Commit("product-a", bandFile))

	p, ok := c.Lookup("product-b", bandFile)
	assert.False(t, ok, "another product's file must not be reused")
	assert.Equal(t, filepath.Join(dir, "product-b", bandFile), p)

	write(t, p)
	require.NoError(t, c.Commit("product-b", bandFile))

	p, ok = c.Lookup("product-b", bandFile)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "product-b", bandFile), p)

	p, ok = c.Lookup("product-a", bandFile)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, bandFile), p)
}

func TestUnindexedFile(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, bandFile))

	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	p, ok := c.Lookup("product-a", bandFile)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, bandFile), p)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	write(t, c.Path("product-a", bandFile))
	require.NoError(t, c.Commit("product-a", bandFile))
	require.NoError(t, c.Close())

	c, err = Open(dir)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, filepath.Join(dir, "product-b", bandFile), c.Path("product-b", bandFile))
	assert.Equal(t, dir, c.Dir())
}

package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pricing-webhooks/internal/fetcher/local"
	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("ValidConfig", func(t *testing.T) {
		t.Parallel()
		f, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, f)
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestFetch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "acme"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme", "sku-1.json"), []byte(`{"price":"9.99"}`), 0o600))

	f, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	t.Run("Existing", func(t *testing.T) {
		t.Parallel()
		data, err := f.Fetch(context.Background(), "acme/sku-1.json")
		require.NoError(t, err)
		assert.JSONEq(t, `{"price":"9.99"}`, string(data))
	})
	t.Run("Missing", func(t *testing.T) {
		t.Parallel()
		_, err := f.Fetch(context.Background(), "acme/missing.json")
		require.ErrorIs(t, err, webhook.ErrResourceNotFound)
	})
	t.Run("Traversal", func(t *testing.T) {
		t.Parallel()
		_, err := f.Fetch(context.Background(), "../../etc/passwd")
		require.ErrorIs(t, err, webhook.ErrResourceNotFound)
	})
	t.Run("EmptyID", func(t *testing.T) {
		t.Parallel()
		_, err := f.Fetch(context.Background(), " ")
		require.Error(t, err)
	})
}

//go:build sqlite

package checkpoints

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, store.Init(ctx))
	t.Cleanup(func() {
		_ = store.Close()
	})

	c := testCheckpoint(t)
	require.NoError(t, store.Save(ctx, Name(PhaseBest, "s"), c))
	c.TrainingState.Epoch = 7
	require.NoError(t, store.Save(ctx, Name(PhaseBest, "s"), c))

	loaded, err := store.Load(ctx, Name(PhaseBest, "s"))
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.TrainingState.Epoch)
	assert.Equal(t, c.Weights, loaded.Weights)

	names, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"best_model_weights_s"}, names)

	_, err = store.Load(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

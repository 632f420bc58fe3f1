package blob

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-press/inkwell/internal/store"
	"github.com/inkwell-press/inkwell/internal/types"
)

func TestPutAndGet(t *testing.T) {
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := store.PayloadKey(uuid.New(), types.AgentCopyEdit)
	require.NoError(t, fs.PutBlob(ctx, key, []byte(`{"edits":[]}`)))

	got, err := fs.GetBlob(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"edits":[]}`, string(got))
}

func TestGetMissingReturnsNil(t *testing.T) {
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	got, err := fs.GetBlob(context.Background(), "nope/missing.json")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutOverwrites(t *testing.T) {
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.PutBlob(ctx, "a/b", []byte("one")))
	require.NoError(t, fs.PutBlob(ctx, "a/b", []byte("two")))

	got, err := fs.GetBlob(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
}

func TestRejectsTraversalKeys(t *testing.T) {
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, fs.PutBlob(ctx, "../escape", []byte("x")))
	assert.Error(t, fs.PutBlob(ctx, "", []byte("x")))
	_, err = fs.GetBlob(ctx, "/etc/passwd")
	assert.Error(t, err)
}

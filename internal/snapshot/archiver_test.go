package snapshot

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/chapterbot/internal/clock/fake"
	"github.com/JakeFAU/chapterbot/internal/storage/memory"
	"github.com/JakeFAU/chapterbot/internal/updater"
)

var start = time.Unix(1700000000, 0).UTC()

func TestArchiveWritesUnderStableKey(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	a := New(store, fake.New(start), "/pages/")
	body := []byte("<html>broken layout</html>")

	uri, err := a.Archive(context.Background(), "novel-42", updater.Page{Body: body})
	require.NoError(t, err)

	keys := store.Keys()
	require.Len(t, keys, 1)
	require.Regexp(t, `^pages/novel-42/1700000000-[0-9a-f]{16}\.html$`, keys[0])
	require.Equal(t, "memory://"+keys[0], uri)

	data, contentType, ok := store.Get(keys[0])
	require.True(t, ok)
	require.Equal(t, body, data)
	require.Contains(t, contentType, "text/html")
}

func TestKeySanitizesSourceID(t *testing.T) {
	t.Parallel()

	a := New(memory.NewBlobStore(), fake.New(start), "")
	key := a.Key("../etc/passwd", []byte("x"))
	require.Regexp(t, `^snapshots/___etc_passwd/1700000000-[0-9a-f]{16}\.html$`, key)
}

func TestArchiveNilStoreIsNoop(t *testing.T) {
	t.Parallel()

	var a *Archiver
	uri, err := a.Archive(context.Background(), "n1", updater.Page{})
	require.NoError(t, err)
	require.Empty(t, uri)
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}

func TestArchiveWrapsStoreError(t *testing.T) {
	t.Parallel()

	a := New(failingStore{}, fake.New(start), "")
	_, err := a.Archive(context.Background(), "n1", updater.Page{Body: []byte("x")})
	require.ErrorContains(t, err, "bucket gone")
}

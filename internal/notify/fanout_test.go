package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/chapterbot/internal/clock/fake"
	"github.com/JakeFAU/chapterbot/internal/publisher/memory"
	"github.com/JakeFAU/chapterbot/internal/updater"
)

type stubNotifier struct {
	calls []updater.ChapterUpdate
	n     int
	err   error
}

func (s *stubNotifier) NotifySubscribers(_ context.Context, u updater.ChapterUpdate) (int, error) {
	s.calls = append(s.calls, u)
	return s.n, s.err
}

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func update() updater.ChapterUpdate {
	prev := 12
	title := "Homecoming"
	return updater.ChapterUpdate{SourceID: "n1", Previous: &prev, Current: 13, Title: &title}
}

func TestFanoutWritesRowsAndPublishes(t *testing.T) {
	t.Parallel()

	store := &stubNotifier{n: 4}
	pub := memory.New()
	f := New(store, pub, fake.New(now), zap.NewNop())

	n, err := f.NotifySubscribers(context.Background(), update())
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Len(t, store.calls, 1)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, EventChapterUpdated, msgs[0].Event)
	evt, ok := msgs[0].Payload.(Event)
	require.True(t, ok)
	require.Equal(t, 13, evt.Current)
	require.Equal(t, 12, *evt.Previous)
	require.Equal(t, 4, evt.Notified)
	require.Equal(t, now, evt.OccurredAt)
}

func TestFanoutPublishFailureIsLogged(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	pub := memory.New()
	pub.FailWith(errors.New("broker down"))
	f := New(&stubNotifier{n: 2}, pub, fake.New(now), zap.New(core))

	n, err := f.NotifySubscribers(context.Background(), update())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 1, logs.FilterMessage("publish chapter event failed").Len())
}

func TestFanoutStoreFailureSkipsPublish(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	f := New(&stubNotifier{err: errors.New("db down")}, pub, fake.New(now), nil)

	_, err := f.NotifySubscribers(context.Background(), update())
	require.ErrorContains(t, err, "db down")
	require.Empty(t, pub.Messages())
}

func TestFanoutWithoutPublisher(t *testing.T) {
	t.Parallel()

	f := New(&stubNotifier{n: 1}, nil, fake.New(now), nil)
	n, err := f.NotifySubscribers(context.Background(), update())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishWithoutTopicFails(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "chapter.updated", map[string]int{"new_chapter": 13})
	require.ErrorContains(t, err, "not configured")
	require.NoError(t, New(nil).Close())
}

func TestOpenRequiresProjectAndTopic(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{ProjectID: "proj"})
	require.Error(t, err)
	_, err = Open(context.Background(), Config{Topic: "chapters"})
	require.Error(t, err)
}

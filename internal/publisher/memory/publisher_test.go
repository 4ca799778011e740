package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "mentions", map[string]string{"source": "https://jane.example/reply"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)

	id2, err := pub.Publish(context.Background(), "audit", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "mentions", msgs[0].Topic)
	assert.Equal(t, id2, msgs[1].ID)

	msgs[0].Topic = "modified"
	assert.Equal(t, "mentions", pub.Messages()[0].Topic)
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webmonitor/internal/monitor"
)

func TestPublisherStoresEncodedMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	event := monitor.VersionImported{
		PageID:      "p1",
		VersionID:   "v1",
		Different:   true,
		BodyHash:    "abc",
		CaptureTime: time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC),
	}
	id1, err := pub.Publish(context.Background(), monitor.TopicVersionImported, event)
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "other", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	assert.Len(t, pub.Messages(""), 2)
	msgs := pub.Messages(monitor.TopicVersionImported)
	require.Len(t, msgs, 1)
	assert.JSONEq(t,
		`{"page_id":"p1","version_id":"v1","different":true,"body_hash":"abc","capture_time":"2024-05-01T00:00:00Z"}`,
		string(msgs[0].Data))

	var decoded monitor.VersionImported
	require.NoError(t, msgs[0].Decode(&decoded))
	assert.Equal(t, event, decoded)

	msgs[0].Data[0] = 'x'
	assert.Equal(t, byte('{'), pub.Messages(monitor.TopicVersionImported)[0].Data[0])
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	_, err := New().Publish(context.Background(), "t", make(chan int))
	assert.Error(t, err)
	assert.Empty(t, New().Messages(""))
}

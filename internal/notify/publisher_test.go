package notify_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/book-expert/longform-tts/internal/core"
	"github.com/book-expert/longform-tts/internal/notify"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNatsPublisher_Publish(t *testing.T) {
	t.Parallel()

	opts := test.DefaultTestOptions
	opts.Port = -1
	natsServer := test.RunServer(&opts)
	defer natsServer.Shutdown()

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	require.NoError(t, err)
	defer natsConnection.Close()

	sub, err := natsConnection.SubscribeSync("longform.jobs.>")
	require.NoError(t, err)
	require.NoError(t, natsConnection.Flush())

	publisher := notify.NewNatsPublisher(natsConnection, "longform.jobs")

	err = publisher.Publish(context.Background(), core.JobEvent{
		JobID:           "job-42",
		Status:          core.StatusCompleted,
		PreviousStatus:  core.StatusProcessing,
		CompletedChunks: 2,
		TotalChunks:     2,
	})
	require.NoError(t, err)

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "longform.jobs.completed", msg.Subject)

	var event notify.StatusEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, "job-42", event.Header.WorkflowID)
	assert.NotEmpty(t, event.Header.EventID)
	assert.False(t, event.Header.Timestamp.IsZero())
	assert.Equal(t, core.StatusCompleted, event.Status)
	assert.Equal(t, core.StatusProcessing, event.PreviousStatus)
	assert.Equal(t, 2, event.CompletedChunks)
}

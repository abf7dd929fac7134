//go:build integration

package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"atsflow/pkg/testutil/containers"
)

func TestProducerRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	brokers := containers.GetManager().GetRedpanda(t).Brokers

	client, err := NewClient(ctx, brokers, "kafka-test")
	require.NoError(t, err)
	t.Cleanup(client.Close)

	const topic = "atsflow.notifications.test"
	require.NoError(t, EnsureTopics(ctx, client, 1, 1, topic))
	require.NoError(t, EnsureTopics(ctx, client, 1, 1, topic), "existing topics are not an error")

	require.NoError(t, NewProducer(client, topic).Publish(ctx, []byte("TS260314000001"), []byte(`{"type":"session_approved"}`)))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	t.Cleanup(consumer.Close)

	pollCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	var got *kgo.Record
	for got == nil {
		fetches := consumer.PollFetches(pollCtx)
		require.NoError(t, pollCtx.Err(), "timed out waiting for record")
		fetches.EachRecord(func(r *kgo.Record) {
			if got == nil {
				got = r
			}
		})
	}
	require.Equal(t, "TS260314000001", string(got.Key))
	require.JSONEq(t, `{"type":"session_approved"}`, string(got.Value))
}

package pubsub

import (
	"context"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
)

const project = "test-project"

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return newTestQueueWith(t, nil)
}

func newTestQueueWith(t *testing.T, propagator propagation.TextMapPropagator) *Queue {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, project, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic := "projects/" + project + "/topics/crawl-jobs"
	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topic})
	require.NoError(t, err)
	sub := "projects/" + project + "/subscriptions/crawl-workers"
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{Name: sub, Topic: topic})
	require.NoError(t, err)

	q, err := New(client, Config{Topic: topic, Subscription: sub, Propagator: propagator}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestQueueRoundTrip(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	want := discovery.QueueItem{JobID: "0199a7c2-job", Attempt: 2, Submitted: 1_900_000_000}
	require.NoError(t, q.Enqueue(ctx, want))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestQueueCarriesTraceContext(t *testing.T) {
	t.Parallel()

	q := newTestQueueWith(t, propagation.TraceContext{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	pubCtx := trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))
	require.NoError(t, q.Enqueue(pubCtx, discovery.QueueItem{JobID: "traced", Attempt: 1}))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", got.Trace["traceparent"])
	require.NotContains(t, got.Trace, "job_id")

	remote := trace.SpanContextFromContext(propagation.TraceContext{}.Extract(ctx, propagation.MapCarrier(got.Trace)))
	require.Equal(t, traceID, remote.TraceID())
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueClosed(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	require.NoError(t, q.Close())
	require.ErrorIs(t, q.Enqueue(context.Background(), discovery.QueueItem{JobID: "late"}), ErrClosed)
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, q.Close())
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Topic: "t", Subscription: "s"}, nil)
	require.Error(t, err)
	_, err = Open(context.Background(), Config{}, nil)
	require.Error(t, err)
}

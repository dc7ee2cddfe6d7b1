// Package pubsub implements the job queue on Google Cloud Pub/Sub so queued
// jobs survive a process restart and spread across replicas.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("pubsub queue closed")

// Config names the topic jobs are published to and the subscription
// workers receive from.
type Config struct {
	ProjectID      string
	Topic          string
	Subscription   string
	MaxOutstanding int
	// Propagator carries trace context in message attributes. Defaults to
	// the global propagator.
	Propagator propagation.TextMapPropagator
}

// Queue publishes queue items as JSON messages and hands received messages
// to Dequeue callers. A message is acked once a caller has taken it.
type Queue struct {
	client     *pubsub.Client
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	logger     *zap.Logger
	propagator propagation.TextMapPropagator
	owned      bool

	items     chan discovery.QueueItem
	startOnce sync.Once
	recvCtx   context.Context
	stop      context.CancelFunc
	recvDone  chan struct{}
	closeOnce sync.Once
}

// New wraps an existing client.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if cfg.Topic == "" || cfg.Subscription == "" {
		return nil, errors.New("pubsub topic and subscription are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	subscriber := client.Subscriber(cfg.Subscription)
	if cfg.MaxOutstanding > 0 {
		subscriber.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	recvCtx, stop := context.WithCancel(context.Background())
	return &Queue{
		client:     client,
		publisher:  client.Publisher(cfg.Topic),
		subscriber: subscriber,
		logger:     logger.Named("pubsub_queue"),
		propagator: cfg.Propagator,
		items:      make(chan discovery.QueueItem),
		recvCtx:    recvCtx,
		stop:       stop,
		recvDone:   make(chan struct{}),
	}, nil
}

// Open dials a client for cfg.ProjectID and owns it.
func Open(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Queue, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	q, err := New(client, cfg, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	q.owned = true
	return q, nil
}

// Enqueue publishes item and waits for the server ack.
func (q *Queue) Enqueue(ctx context.Context, item discovery.QueueItem) error {
	if q.recvCtx.Err() != nil {
		return ErrClosed
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: map[string]string{"job_id": item.JobID}}
	q.textMap().Inject(ctx, propagation.MapCarrier(msg.Attributes))
	if _, err := q.publisher.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish queue item: %w", err)
	}
	return nil
}

// Dequeue blocks until a message arrives, ctx ends or the queue closes.
func (q *Queue) Dequeue(ctx context.Context) (discovery.QueueItem, error) {
	q.startOnce.Do(func() { go q.receive() })
	select {
	case <-ctx.Done():
		return discovery.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.recvDone:
		return discovery.QueueItem{}, ErrClosed
	case item := <-q.items:
		return item, nil
	}
}

func (q *Queue) receive() {
	defer close(q.recvDone)
	err := q.subscriber.Receive(q.recvCtx, func(ctx context.Context, msg *pubsub.Message) {
		var item discovery.QueueItem
		if err := json.Unmarshal(msg.Data, &item); err != nil || item.JobID == "" {
			q.logger.Warn("dropping malformed queue message", zap.String("message_id", msg.ID), zap.Error(err))
			msg.Ack()
			return
		}
		item.Trace = q.traceFields(msg.Attributes)
		select {
		case q.items <- item:
			msg.Ack()
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && q.recvCtx.Err() == nil {
		q.logger.Error("pubsub receive stopped", zap.Error(err))
	}
}

// Close stops receiving, flushes pending publishes and releases the client
// when the queue dialed it.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.stop()
		q.startOnce.Do(func() { close(q.recvDone) })
		<-q.recvDone
		q.publisher.Stop()
		if q.owned {
			if cerr := q.client.Close(); cerr != nil {
				err = fmt.Errorf("close pubsub client: %w", cerr)
			}
		}
	})
	return err
}

func (q *Queue) textMap() propagation.TextMapPropagator {
	if q.propagator != nil {
		return q.propagator
	}
	return otel.GetTextMapPropagator()
}

// traceFields copies the propagator's fields out of message attributes so
// the worker can continue the publishing trace.
func (q *Queue) traceFields(attrs map[string]string) map[string]string {
	var out map[string]string
	for _, field := range q.textMap().Fields() {
		v, ok := attrs[field]
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[field] = v
	}
	return out
}

// Package notify pushes fire-and-forget job events over Redis pub/sub and
// carries the cancel control channel between the API and worker processes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/config"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/logging"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/metrics"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/pkg/models"
)

const (
	progressChannel = "jobs:progress"
	eventsChannel   = "jobs:events"
	controlChannel  = "jobs:control"

	// queueSize bounds buffered notifications. A slow broker drops updates
	// instead of stalling the pipeline.
	queueSize = 256
)

// Notifier pushes job events to interested clients. Delivery is best effort:
// progress updates may be dropped, terminal events are flushed on Close.
type Notifier interface {
	PushProgress(snap models.ProgressSnapshot)
	PushTerminal(jobID string, kind models.TerminalKind, snap models.ProgressSnapshot)
	Close() error
}

// TerminalEvent is the wire form of a job's final notification.
type TerminalEvent struct {
	JobID    string                  `json:"job_id"`
	Kind     models.TerminalKind     `json:"kind"`
	Snapshot models.ProgressSnapshot `json:"snapshot"`
}

// CancelRequest is the control message asking whichever worker owns a job to
// cancel it.
type CancelRequest struct {
	JobID string `json:"job_id"`
}

type message struct {
	channel string
	payload []byte
}

// RedisNotifier publishes events on Redis pub/sub channels through a bounded
// queue drained by a single goroutine. When the queue is full the oldest
// buffered update is dropped in favor of the new one.
type RedisNotifier struct {
	client *redis.Client
	log    *logging.Logger
	queue  chan message
	done   chan struct{}
}

// NewRedisNotifier creates a notifier and starts its drain goroutine.
func NewRedisNotifier(cfg config.RedisConfig, log *logging.Logger) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	n := &RedisNotifier{
		client: client,
		log:    log,
		queue:  make(chan message, queueSize),
		done:   make(chan struct{}),
	}
	go n.drain()

	return n, nil
}

// NewRedisNotifierWithClient wraps an existing client, for tests.
func NewRedisNotifierWithClient(client *redis.Client, log *logging.Logger) *RedisNotifier {
	n := &RedisNotifier{
		client: client,
		log:    log,
		queue:  make(chan message, queueSize),
		done:   make(chan struct{}),
	}
	go n.drain()
	return n
}

func (n *RedisNotifier) drain() {
	defer close(n.done)
	for msg := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := n.client.Publish(ctx, msg.channel, msg.payload).Err(); err != nil {
			n.log.WithError(err).Debug("notification publish failed")
		}
		cancel()
	}
}

// enqueue buffers a message, dropping the oldest buffered update when full.
func (n *RedisNotifier) enqueue(channel string, payload []byte) {
	msg := message{channel: channel, payload: payload}
	for {
		select {
		case n.queue <- msg:
			return
		default:
		}
		select {
		case <-n.queue:
			metrics.NotificationsDroppedTotal.Inc()
		default:
		}
	}
}

// PushProgress publishes a progress snapshot. Never blocks.
func (n *RedisNotifier) PushProgress(snap models.ProgressSnapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	n.enqueue(progressChannel+":"+snap.JobID, payload)
}

// PushTerminal publishes a job's final event.
func (n *RedisNotifier) PushTerminal(jobID string, kind models.TerminalKind, snap models.ProgressSnapshot) {
	payload, err := json.Marshal(TerminalEvent{JobID: jobID, Kind: kind, Snapshot: snap})
	if err != nil {
		return
	}
	n.enqueue(eventsChannel, payload)
}

// Close stops the drain goroutine after flushing the queue.
func (n *RedisNotifier) Close() error {
	close(n.queue)
	<-n.done
	return n.client.Close()
}

// PublishCancel broadcasts a cancel request on the control channel.
func (n *RedisNotifier) PublishCancel(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(CancelRequest{JobID: jobID})
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, controlChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish cancel: %w", err)
	}
	return nil
}

// SubscribeCancels delivers cancel requests to handler until ctx ends.
func (n *RedisNotifier) SubscribeCancels(ctx context.Context, handler func(jobID string)) error {
	sub := n.client.Subscribe(ctx, controlChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to control channel: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var req CancelRequest
				if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
					continue
				}
				handler(req.JobID)
			}
		}
	}()

	return nil
}

// Nop discards all notifications, for tests and single-binary setups.
type Nop struct{}

func (Nop) PushProgress(models.ProgressSnapshot) {}

func (Nop) PushTerminal(string, models.TerminalKind, models.ProgressSnapshot) {}

func (Nop) Close() error { return nil }

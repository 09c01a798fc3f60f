package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/storefront-gateway/internal/metrics"
)

const (
	DefaultReporterBuffer = 256
	defaultSendTimeout    = 5 * time.Second
)

// Reporter delivers notifications off the request path. Report never
// blocks; when the buffer is full the notification is dropped.
type Reporter struct {
	notifier Notifier
	dedup    Deduplicator
	queue    chan Notification

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

func NewReporter(notifier Notifier, dedup Deduplicator, buffer int) *Reporter {
	if buffer <= 0 {
		buffer = DefaultReporterBuffer
	}
	return &Reporter{
		notifier: notifier,
		dedup:    dedup,
		queue:    make(chan Notification, buffer),
		done:     make(chan struct{}),
	}
}

func (r *Reporter) Report(n Notification) bool {
	select {
	case <-r.done:
		metrics.RecordAbuseAlert("dropped")
		return false
	default:
	}

	select {
	case r.queue <- n:
		return true
	default:
		metrics.RecordAbuseAlert("dropped")
		return false
	}
}

// Start runs the delivery worker until ctx is canceled or Close is called.
func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				r.drain()
				return
			case n := <-r.queue:
				r.deliver(n)
			}
		}
	}()
}

// Close stops accepting notifications and waits for queued ones to be sent.
func (r *Reporter) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Reporter) drain() {
	for {
		select {
		case n := <-r.queue:
			r.deliver(n)
		default:
			return
		}
	}
}

func (r *Reporter) deliver(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
	defer cancel()

	if r.dedup != nil && !r.dedup.ShouldNotify(ctx, n.DedupKey()) {
		metrics.RecordAbuseAlert("deduplicated")
		return
	}

	if err := r.notifier.Send(ctx, n); err != nil {
		metrics.RecordAbuseAlert("failed")
		slog.Error("failed to send notification",
			"type", n.Type,
			"client_key", n.ClientKey,
			"error", err,
		)
		return
	}
	metrics.RecordAbuseAlert("sent")
}

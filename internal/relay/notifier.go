package relay

import (
	"context"
	"log"
	"time"

	"github.com/whisper/relay/internal/protocol"
)

// Observer receives presence transitions and relayed messages, for example to
// mirror presence into Redis or tap events onto a broker. Calls arrive on one
// goroutine in the order the router produced them.
type Observer interface {
	UserOnline(ctx context.Context, userID, connID string)
	UserOffline(ctx context.Context, userID, connID string)
	MessageRelayed(ctx context.Context, msg protocol.ChatPayload, delivered bool)
}

// notifier is an ordered, bounded queue in front of the observers. Enqueue
// never blocks; a full queue drops the notification.
type notifier struct {
	observers []Observer
	queue     chan func(ctx context.Context, o Observer)
	timeout   time.Duration
}

func newNotifier(size int) *notifier {
	return &notifier{
		queue:   make(chan func(ctx context.Context, o Observer), size),
		timeout: 3 * time.Second,
	}
}

func (n *notifier) add(o Observer) {
	n.observers = append(n.observers, o)
}

func (n *notifier) online(userID, connID string) {
	n.enqueue("online", func(ctx context.Context, o Observer) { o.UserOnline(ctx, userID, connID) })
}

func (n *notifier) offline(userID, connID string) {
	n.enqueue("offline", func(ctx context.Context, o Observer) { o.UserOffline(ctx, userID, connID) })
}

func (n *notifier) message(msg protocol.ChatPayload, delivered bool) {
	n.enqueue("message", func(ctx context.Context, o Observer) { o.MessageRelayed(ctx, msg, delivered) })
}

func (n *notifier) enqueue(kind string, fn func(ctx context.Context, o Observer)) {
	if len(n.observers) == 0 {
		return
	}
	select {
	case n.queue <- fn:
	default:
		log.Printf("relay: observer queue full, dropping %s notification", kind)
	}
}

// run drains the queue until ctx is cancelled.
func (n *notifier) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-n.queue:
			for _, o := range n.observers {
				octx, cancel := context.WithTimeout(ctx, n.timeout)
				fn(octx, o)
				cancel()
			}
		}
	}
}

package presence

import (
	"errors"
	"log"

	"github.com/whisper/relay/internal/protocol"
)

// State is a user's presence state.
type State string

const (
	Online  State = "online"
	Offline State = "offline"
)

// Broadcaster fans presence transitions out to every registered connection.
// Callers serialize Announce with the Registry mutation that caused it, which
// keeps one user's transitions in order for every peer.
type Broadcaster struct {
	registry *Registry
}

// NewBroadcaster creates a Broadcaster over the given registry.
func NewBroadcaster(registry *Registry) *Broadcaster {
	return &Broadcaster{registry: registry}
}

// Announce sends user-online or user-offline for userID to every bound
// connection except userID's own. It iterates a snapshot of the registry and
// returns the number of peers the event was enqueued for.
func (b *Broadcaster) Announce(userID string, state State) int {
	msgType := protocol.TypeUserOnline
	if state == Offline {
		msgType = protocol.TypeUserOffline
	}

	data, err := protocol.NewServerMessage(msgType, protocol.PresenceMsg{UserID: userID})
	if err != nil {
		log.Printf("presence: failed to build %s for user=%s: %v", msgType, userID, err)
		return 0
	}

	sent := 0
	for _, binding := range b.registry.Snapshot() {
		if binding.UserID == userID {
			continue
		}
		// Failed peers are cleaned up by their own transport; one bad peer
		// never stops the fan-out.
		if err := binding.Handle.Send(data); err != nil {
			if !errors.Is(err, ErrHandleClosed) {
				log.Printf("presence: %s to user=%s dropped: %v", msgType, binding.UserID, err)
			}
			continue
		}
		sent++
	}
	return sent
}

package ws

import (
	"context"

	"go.uber.org/zap"

	"github.com/runloom/runloom/internal/backend/events"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/events/bus"
)

// Notifier bridges bus events onto WebSocket channels. Services publish
// to the bus without knowing about sockets; the notifier routes session
// subjects to session channels and user subjects to user channels.
type Notifier struct {
	registry *Registry
	bus      bus.EventBus
	log      *logger.Logger

	subs []bus.Subscription
}

// NewNotifier creates the notifier.
func NewNotifier(registry *Registry, eventBus bus.EventBus, log *logger.Logger) *Notifier {
	return &Notifier{registry: registry, bus: eventBus, log: log}
}

// Start subscribes to session and user event subjects.
func (n *Notifier) Start() error {
	sessionSub, err := n.bus.Subscribe(events.AllSessionEvents, n.onSessionEvent)
	if err != nil {
		return err
	}
	n.subs = append(n.subs, sessionSub)

	userSub, err := n.bus.Subscribe(events.AllUserEvents, n.onUserEvent)
	if err != nil {
		return err
	}
	n.subs = append(n.subs, userSub)
	return nil
}

// Stop unsubscribes everything.
func (n *Notifier) Stop() {
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.subs = nil
}

func (n *Notifier) onSessionEvent(_ context.Context, event *bus.Event) error {
	sessionID, _ := event.Data["session_id"].(string)
	if sessionID == "" {
		return nil
	}
	sent := n.registry.Broadcast(sessionID, NewEnvelope(event.Type, sessionID, event.Data))
	if sent > 0 {
		n.log.Debug("session event broadcast",
			zap.String("type", event.Type),
			zap.String("session_id", sessionID),
			zap.Int("clients", sent))
	}

	// Session events also reach the owner's user channel so list views
	// stay current without a per-session socket.
	if userID, _ := event.Data["user_id"].(string); userID != "" {
		n.registry.Broadcast(UserKey(userID), NewEnvelope(event.Type, sessionID, event.Data))
	}
	return nil
}

func (n *Notifier) onUserEvent(_ context.Context, event *bus.Event) error {
	userID, _ := event.Data["user_id"].(string)
	if userID == "" {
		return nil
	}
	n.registry.Broadcast(UserKey(userID), NewEnvelope(event.Type, "", event.Data))
	return nil
}

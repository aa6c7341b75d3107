package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/minoots/kernel/internal/kernelerr"
	"github.com/minoots/kernel/internal/telemetry"
)

// BusStream is the subset of a durable message bus stream the hub needs,
// satisfied by the teacher's goa.design/pulse-backed Stream wrapper
// (features/stream/pulse/clients/pulse.Stream).
type BusStream interface {
	Add(ctx context.Context, event string, payload []byte) (string, error)
}

// BusPublisher opens named bus streams, satisfied by
// features/stream/pulse/clients/pulse.Client in the teacher.
type BusPublisher interface {
	Stream(name string) (BusStream, error)
}

// subjectPrefix is the bus subject template root; the full subject is
// "minoots.timer.<event_type>".
const subjectPrefix = "minoots.timer."

// subscriber is one RPC-side StreamTimerEvents consumer: a bounded channel
// plus the tenant filter it was opened with (empty matches every tenant).
type subscriber struct {
	tenantID string
	ch       chan Envelope
}

// Hub fans a signed envelope out to every matching RPC subscriber and to
// the durable bus, without letting either sink block the other (spec.md
// §4.5's independent-sink requirement).
type Hub struct {
	signer *Signer
	bus    BusPublisher
	logger telemetry.Logger

	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
}

// NewHub creates a Hub. bus may be nil, in which case Publish only
// fans out to RPC subscribers (useful for tests and the in-memory
// development mode).
func NewHub(signer *Signer, bus BusPublisher, logger telemetry.Logger) *Hub {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Hub{
		signer:      signer,
		bus:         bus,
		logger:      logger,
		subscribers: make(map[int64]*subscriber),
	}
}

// Subscribe registers a new RPC stream subscriber for tenantID and returns
// its delivery channel plus a function to unregister it. The channel is
// bounded (buffer); a subscriber that falls behind has the oldest queued
// envelope dropped rather than blocking publication to other subscribers
// (spec.md §4.5/§4.6 backpressure policy), and the drop is logged.
func (h *Hub) Subscribe(tenantID string, buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{tenantID: tenantID, ch: make(chan Envelope, buffer)}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, id)
		h.mu.Unlock()
		close(sub.ch)
	}
	return sub.ch, cancel
}

// Publish signs env and delivers it to every matching RPC subscriber and
// to the durable bus. Bus publication failures are returned to the caller
// (the caller may choose to retry, since the bus is the durable record);
// RPC fan-out failures (a full subscriber channel) are never fatal to the
// call, only logged, since subscribers are best-effort live views.
func (h *Hub) Publish(ctx context.Context, env Envelope) error {
	if err := h.signer.Sign(&env); err != nil {
		return kernelerr.Wrap(kernelerr.Fatal, err, "sign event envelope")
	}
	h.fanOutToSubscribers(env)
	if h.bus == nil {
		return nil
	}
	return h.publishToBus(ctx, env)
}

func (h *Hub) fanOutToSubscribers(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers {
		if sub.tenantID != "" && sub.tenantID != env.TenantID {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- env:
			default:
			}
			h.logger.Warn(context.Background(), "subscriber channel full, dropped oldest event",
				"tenant_id", env.TenantID, "timer_id", env.TimerID, "event_type", string(env.EventType))
		}
	}
}

func (h *Hub) publishToBus(ctx context.Context, env Envelope) error {
	stream, err := h.bus.Stream(subjectPrefix + string(env.EventType))
	if err != nil {
		return kernelerr.Wrap(kernelerr.BusOutage, err, "open bus stream")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Fatal, err, "marshal envelope for bus publish")
	}
	if _, err := stream.Add(ctx, string(env.EventType), payload); err != nil {
		return kernelerr.Wrap(kernelerr.BusOutage, err, "publish to bus")
	}
	return nil
}

// NewEnvelope builds an unsigned envelope for a timer lifecycle event.
// eventID should be unique per occurrence (callers typically derive it
// from the command log seq); payload is marshalled as-is.
func NewEnvelope(eventID string, kind Kind, tenantID, timerID string, stateVersion int64, occurredAt time.Time, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return Envelope{
		EventID:    eventID,
		EventType:  kind,
		TenantID:   tenantID,
		TimerID:    timerID,
		OccurredAt: occurredAt.UTC(),
		DedupeKey:  DedupeKey(tenantID, timerID, kind, stateVersion),
		Payload:    b,
	}, nil
}

// Package hub fans outbound events out to the sessions in their scope.
package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"soulchat/internal/metrics"
	"soulchat/pkg/interfaces"
	"soulchat/pkg/types"
)

// DefaultBufferSize is the event queue depth used when none is configured.
const DefaultBufferSize = 1024

// Drop reasons recorded in metrics.
const (
	DropQueueFull    = "queue_full"
	DropNotConnected = "not_connected"
	DropBufferFull   = "buffer_full"
)

// Hub is the broadcast gateway. It implements interfaces.Publisher.
// ARCHITECTURAL DISCOVERY: One goroutine drains one queue, so events reach
// each session in the order they were published. The audience is resolved
// when the event is published, so a session registered after Publish
// returns never receives that event.
type Hub struct {
	eventChannel    chan *publication
	shutdownChannel chan struct{}
	done            chan struct{}

	sessions interfaces.SessionDirectory
	sinks    interfaces.SinkLookup
	metrics  *metrics.Metrics
	clock    types.Clock
	logger   zerolog.Logger

	running bool
	mu      sync.RWMutex
}

type publication struct {
	scope    types.Scope
	audience []string
	event    *types.Event
}

// NewHub creates a hub. bufferSize <= 0 selects DefaultBufferSize.
func NewHub(sessions interfaces.SessionDirectory, sinks interfaces.SinkLookup, m *metrics.Metrics, bufferSize int, clock types.Clock, logger zerolog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if clock == nil {
		clock = types.SystemClock()
	}
	return &Hub{
		eventChannel: make(chan *publication, bufferSize),
		sessions:     sessions,
		sinks:        sinks,
		metrics:      m,
		clock:        clock,
		logger:       logger.With().Str("component", "hub").Logger(),
	}
}

// Start begins event delivery.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	h.done = make(chan struct{})

	h.logger.Info().Int("buffer_size", cap(h.eventChannel)).Msg("starting event hub")
	go h.run(ctx, h.shutdownChannel, h.done)
	return nil
}

// Stop halts delivery and waits for the loop to exit. Queued events that
// were not yet delivered are discarded.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info().Msg("event hub stopped")
	return nil
}

// Publish queues an event for every session in scope. It never blocks: a
// full queue drops the event and returns ErrEventChannelFull.
func (h *Hub) Publish(scope types.Scope, eventType types.EventType, payload interface{}) error {
	switch scope.Kind {
	case types.ScopeGlobal, types.ScopeGroup, types.ScopeSession:
	default:
		return ErrUnsupportedScope
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.running {
		return ErrHubNotRunning
	}

	pub := &publication{
		scope:    scope,
		audience: h.audience(scope),
		event: &types.Event{
			Type:      eventType,
			Scope:     scope.String(),
			Payload:   payload,
			Timestamp: h.clock(),
		},
	}

	// TECHNICAL DISCOVERY: Non-blocking send keeps callers holding locks from
	// ever waiting on delivery.
	select {
	case h.eventChannel <- pub:
		return nil
	default:
		h.metrics.RecordDrop(DropQueueFull)
		h.logger.Warn().
			Str("scope", scope.String()).
			Str("event", string(eventType)).
			Msg("event queue full, dropping event")
		return ErrEventChannelFull
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case pub := <-h.eventChannel:
			h.deliver(pub)
		case <-shutdown:
			return
		case <-ctx.Done():
			h.logger.Info().Msg("hub context cancelled")
			return
		}
	}
}

func (h *Hub) deliver(pub *publication) {
	if len(pub.audience) == 0 {
		h.logger.Debug().Str("scope", pub.scope.String()).Msg("no audience for event")
		h.metrics.ObserveFanout(0)
		return
	}

	data, err := json.Marshal(pub.event)
	if err != nil {
		h.logger.Error().Err(err).Str("event", string(pub.event.Type)).Msg("failed to encode event")
		return
	}

	delivered := 0
	for _, sessionID := range pub.audience {
		sink, ok := h.sinks.GetConnection(sessionID)
		if !ok {
			h.metrics.RecordDrop(DropNotConnected)
			continue
		}
		if err := sink.Enqueue(data); err != nil {
			h.metrics.RecordDrop(DropBufferFull)
			h.logger.Warn().Err(err).
				Str("session_id", sessionID).
				Str("event", string(pub.event.Type)).
				Msg("failed to enqueue event")
			continue
		}
		delivered++
	}
	h.metrics.ObserveFanout(delivered)
}

// audience snapshots the sessions in scope. A reclaimed group or departed
// session has no audience.
func (h *Hub) audience(scope types.Scope) []string {
	switch scope.Kind {
	case types.ScopeGlobal:
		return h.sessions.SessionIDs()
	case types.ScopeGroup:
		groupID, err := scope.GroupID()
		if err != nil {
			return nil
		}
		members, err := h.sessions.MembersOf(groupID)
		if err != nil {
			return nil
		}
		return members
	case types.ScopeSession:
		if _, err := h.sessions.Lookup(scope.ID); err != nil {
			return nil
		}
		return []string{scope.ID}
	default:
		return nil
	}
}

// GetStats returns hub statistics for monitoring.
func (h *Hub) GetStats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	running := 0
	if h.running {
		running = 1
	}
	return map[string]int{
		"queued_events": len(h.eventChannel),
		"queue_size":    cap(h.eventChannel),
		"running":       running,
	}
}

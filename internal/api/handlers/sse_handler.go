package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
)

// DefaultHeartbeatInterval keeps idle streams open through proxies
const DefaultHeartbeatInterval = 30 * time.Second

// SSEHandler streams engine events to browsers as Server-Sent Events
type SSEHandler struct {
	eventBus  providers.EventBus
	heartbeat time.Duration
	clients   map[string]int // stream -> connected clients
	mu        sync.RWMutex
}

// NewSSEHandler creates a new SSE handler. A non-positive heartbeat uses
// DefaultHeartbeatInterval.
func NewSSEHandler(eventBus providers.EventBus, heartbeat time.Duration) *SSEHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &SSEHandler{
		eventBus:  eventBus,
		heartbeat: heartbeat,
		clients:   make(map[string]int),
	}
}

// StreamDatasetEvents handles GET /api/stream/datasets/{datasetId}. It carries
// both job progress and cell updates of the dataset.
func (h *SSEHandler) StreamDatasetEvents(w http.ResponseWriter, r *http.Request) {
	datasetID := r.PathValue("datasetId")
	if datasetID == "" {
		respondWithError(w, http.StatusBadRequest, "dataset ID is required")
		return
	}
	h.stream(w, r, "dataset:"+datasetID, map[string]interface{}{"dataset_id": datasetID},
		entities.ProgressChannel(datasetID),
		entities.CellUpdatedChannel(datasetID),
	)
}

// StreamControlEvents handles GET /api/stream/control
func (h *SSEHandler) StreamControlEvents(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, "control", map[string]interface{}{}, entities.ControlChannel)
}

func (h *SSEHandler) stream(w http.ResponseWriter, r *http.Request, name string, hello map[string]interface{}, channels ...string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	clientChan := make(chan *entities.SwarmEvent, 50)
	var forwarders sync.WaitGroup
	for _, channel := range channels {
		eventChan, err := h.eventBus.Subscribe(ctx, channel)
		if err != nil {
			log.Error().Err(err).Str("channel", channel).Msg("Failed to subscribe to channel")
			respondWithError(w, http.StatusServiceUnavailable, "event stream unavailable")
			return
		}
		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			forwardEvents(ctx, eventChan, clientChan)
		}()
	}
	// Every subscription closed means the bus went away.
	closed := make(chan struct{})
	go func() {
		forwarders.Wait()
		close(closed)
	}()

	h.registerClient(name)
	defer h.unregisterClient(name)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	hello["timestamp"] = time.Now()
	h.sendEvent(w, "connected", hello)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("stream", name).Msg("Client disconnected")
			return
		case <-closed:
			return
		case <-ticker.C:
			h.sendEvent(w, "heartbeat", map[string]interface{}{
				"timestamp": time.Now(),
			})
			flusher.Flush()
		case event := <-clientChan:
			h.sendEvent(w, string(event.Type), event)
			flusher.Flush()
		}
	}
}

// forwardEvents copies bus events to the client, dropping them when the
// client falls behind
func forwardEvents(ctx context.Context, eventChan <-chan *entities.SwarmEvent, clientChan chan<- *entities.SwarmEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if event == nil {
				continue
			}
			select {
			case clientChan <- event:
			default:
			}
		}
	}
}

func (h *SSEHandler) registerClient(stream string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[stream]++
	log.Debug().Str("stream", stream).Int("clients", h.clients[stream]).Msg("Client registered")
}

func (h *SSEHandler) unregisterClient(stream string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[stream]--
	if h.clients[stream] <= 0 {
		delete(h.clients, stream)
	}
}

// sendEvent sends an SSE event to the client
func (h *SSEHandler) sendEvent(w http.ResponseWriter, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("event", eventType).Msg("Failed to marshal event data")
		return
	}

	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
}

// GetClientCount returns the number of connected clients
func (h *SSEHandler) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, n := range h.clients {
		count += n
	}
	return count
}

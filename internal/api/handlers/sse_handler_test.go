package handlers_test

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/enrichswarm/internal/adapters/events"
	"github.com/zatekoja/enrichswarm/internal/api/handlers"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
)

// readEvent returns the next SSE event name and data line
func readEvent(t *testing.T, reader *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && name != "":
			return name, data
		}
	}
}

func openStream(t *testing.T, bus providers.EventBus, heartbeat time.Duration, path string) (*handlers.SSEHandler, *http.Response, context.CancelFunc) {
	t.Helper()
	handler := handlers.NewSSEHandler(bus, heartbeat)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stream/datasets/{datasetId}", handler.StreamDatasetEvents)
	mux.HandleFunc("GET /api/stream/control", handler.StreamControlEvents)
	srv := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
		srv.Close()
	})
	return handler, resp, cancel
}

func TestSSEHandler_StreamDatasetEvents(t *testing.T) {
	bus := events.NewMemoryEventBus()
	handler, resp, cancel := openStream(t, bus, time.Hour, "/api/stream/datasets/ds-1")

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	reader := bufio.NewReader(resp.Body)
	name, data := readEvent(t, reader)
	require.Equal(t, "connected", name)
	assert.Contains(t, data, `"dataset_id":"ds-1"`)
	assert.Equal(t, 1, handler.GetClientCount())

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, entities.ProgressChannel("other"),
		entities.NewSwarmEvent(entities.SwarmEventProgress, "other", "job-x", nil)))
	require.NoError(t, bus.Publish(ctx, entities.ProgressChannel("ds-1"),
		entities.NewSwarmEvent(entities.SwarmEventProgress, "ds-1", "job-1", map[string]interface{}{"progress": 50})))

	name, data = readEvent(t, reader)
	assert.Equal(t, "progress", name)
	assert.Contains(t, data, `"job_id":"job-1"`)

	require.NoError(t, bus.Publish(ctx, entities.CellUpdatedChannel("ds-1"),
		entities.NewSwarmEvent(entities.SwarmEventCellUpdated, "ds-1", "job-1", map[string]interface{}{"row": 3})))

	name, data = readEvent(t, reader)
	assert.Equal(t, "cell_updated", name)
	assert.Contains(t, data, `"row":3`)

	cancel()
	assert.Eventually(t, func() bool { return handler.GetClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSSEHandler_Heartbeat(t *testing.T) {
	_, resp, _ := openStream(t, events.NewMemoryEventBus(), 20*time.Millisecond, "/api/stream/control")

	reader := bufio.NewReader(resp.Body)
	name, _ := readEvent(t, reader)
	require.Equal(t, "connected", name)

	name, data := readEvent(t, reader)
	assert.Equal(t, "heartbeat", name)
	assert.Contains(t, data, "timestamp")
}

func TestSSEHandler_StreamControlEvents(t *testing.T) {
	bus := events.NewMemoryEventBus()
	_, resp, _ := openStream(t, bus, time.Hour, "/api/stream/control")

	reader := bufio.NewReader(resp.Body)
	name, _ := readEvent(t, reader)
	require.Equal(t, "connected", name)

	require.NoError(t, bus.Publish(context.Background(), entities.ControlChannel,
		entities.NewSwarmEvent(entities.SwarmEventControl, "", "", map[string]interface{}{"command": "pause"})))

	name, data := readEvent(t, reader)
	assert.Equal(t, "control", name)
	assert.Contains(t, data, `"command":"pause"`)
}

func TestSSEHandler_EndsWhenBusCloses(t *testing.T) {
	bus := events.NewMemoryEventBus()
	_, resp, _ := openStream(t, bus, time.Hour, "/api/stream/datasets/ds-1")

	reader := bufio.NewReader(resp.Body)
	name, _ := readEvent(t, reader)
	require.Equal(t, "connected", name)

	require.NoError(t, bus.Close())

	done := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(reader)
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after the bus closed")
	}
}

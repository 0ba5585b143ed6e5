package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidanon/internal/pipeline"
)

func newTestServer(t *testing.T, hub *RunHub) *httptest.Server {
	t.Helper()
	snapshot := func(runID string) (*RunMessage, bool) {
		if runID != "run-1" {
			return nil, false
		}
		return NewSnapshotMessage(runID, pipeline.StateDetecting, 7), true
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/runs/", NewHandler(hub, "/ws/runs/", snapshot))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	return websocket.DefaultDialer.Dial(url, nil)
}

func readMessage(t *testing.T, conn *websocket.Conn) RunMessage {
	t.Helper()
	var msg RunMessage
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandler_SnapshotThenEvents(t *testing.T) {
	hub := NewRunHub()
	srv := newTestServer(t, hub)

	conn, _, err := dial(t, srv, "/ws/runs/run-1")
	require.NoError(t, err)
	defer conn.Close()

	snap := readMessage(t, conn)
	assert.Equal(t, "snapshot", snap.Type)
	assert.Equal(t, "detecting", snap.State)
	assert.Equal(t, uint64(7), snap.FramesProcessed)
	assert.True(t, hub.HasClients("run-1"))

	bus := pipeline.NewEventBus()
	bus.Subscribe(hub)

	bus.Publish(&pipeline.RunEvent{Type: pipeline.EventProgress, RunID: "run-1", State: pipeline.StateDetecting, FramesProcessed: 15})
	bus.Publish(&pipeline.RunEvent{Type: pipeline.EventProgress, RunID: "other", State: pipeline.StateDetecting, FramesProcessed: 99})
	bus.Publish(&pipeline.RunEvent{Type: pipeline.EventComplete, RunID: "run-1", State: pipeline.StateDone, ArtifactURL: "/api/runs/run-1/artifact"})

	progress := readMessage(t, conn)
	assert.Equal(t, "progress", progress.Type)
	assert.Equal(t, uint64(15), progress.FramesProcessed)

	complete := readMessage(t, conn)
	assert.Equal(t, "complete", complete.Type)
	assert.Equal(t, "done", complete.State)
	assert.Equal(t, "/api/runs/run-1/artifact", complete.ArtifactURL)

	// The terminal event closes the run's sockets
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	assert.False(t, hub.HasClients("run-1"))
}

func TestRunHub_SlowDeliveryDoesNotBlockPublisher(t *testing.T) {
	hub := NewRunHub()
	release := make(chan struct{})
	var delivered []*pipeline.RunEvent
	hub.deliver = func(event *pipeline.RunEvent) {
		<-release
		delivered = append(delivered, event)
	}

	bus := pipeline.NewEventBus()
	bus.Subscribe(hub)

	published := make(chan struct{})
	go func() {
		for i := 1; i <= 3*queueSize; i++ {
			bus.Publish(&pipeline.RunEvent{Type: pipeline.EventProgress, RunID: "run-1", FramesProcessed: uint64(i)})
		}
		bus.Publish(&pipeline.RunEvent{Type: pipeline.EventComplete, RunID: "run-1", State: pipeline.StateDone})
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a stalled client")
	}

	close(release)
	hub.Wait()

	// Overflowing progress is dropped; the terminal event always arrives last
	require.NotEmpty(t, delivered)
	assert.LessOrEqual(t, len(delivered), queueSize+2)
	assert.Equal(t, uint64(1), delivered[0].FramesProcessed)
	assert.Equal(t, pipeline.EventComplete, delivered[len(delivered)-1].Type)
}

func TestHandler_UnknownRun(t *testing.T) {
	srv := newTestServer(t, NewRunHub())

	_, resp, err := dial(t, srv, "/ws/runs/missing")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_MissingRunID(t *testing.T) {
	srv := newTestServer(t, NewRunHub())

	_, resp, err := dial(t, srv, "/ws/runs/")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunHub_CloseRun(t *testing.T) {
	hub := NewRunHub()
	srv := newTestServer(t, hub)

	conn, _, err := dial(t, srv, "/ws/runs/run-1")
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)

	hub.CloseRun("run-1")
	assert.False(t, hub.HasClients("run-1"))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestNewRunMessage(t *testing.T) {
	msg := NewRunMessage(&pipeline.RunEvent{
		Type:   pipeline.EventFailed,
		RunID:  "r",
		State:  pipeline.StateFailed,
		Reason: "boom",
	})

	assert.Equal(t, "failed", msg.Type)
	assert.Equal(t, "failed", msg.State)
	assert.Equal(t, "boom", msg.Reason)
}

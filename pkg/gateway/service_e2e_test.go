package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groundwave/pkg/bus"
	"groundwave/pkg/link"
	"groundwave/pkg/link/loopback"
	"groundwave/pkg/node"
	"groundwave/pkg/transmit"
)

func freeTCPPort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	return ln.Addr().(*net.TCPAddr).Port
}

func waitForEvent(t *testing.T, events <-chan bus.Event, want bus.EventType) bus.Event {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed waiting for %s", want)
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestServiceRunAnswersOverLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	cfg.Gateway.Port = freeTCPPort(t)
	cfg.Community.Name = "Test Mesh"

	adapter := loopback.New("mesh", "!local", 200)
	sent := make(chan link.Frame, 16)
	adapter.OnSend(func(f link.Frame) { sent <- f })

	svc := newTestService(t, cfg, []link.Adapter{adapter})
	events, unsubscribe := svc.Events().SubscribeEvents(ctx, 128)
	defer unsubscribe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	waitForEvent(t, events, bus.EventLinkUp)
	require.NoError(t, adapter.InjectNode(node.Node{ID: "!a1b2c3d4", ShortName: "ALFA"}))
	waitForEvent(t, events, bus.EventNodeUpdated)

	require.NoError(t, adapter.InjectText("!a1b2c3d4", "!ping", true))
	select {
	case frame := <-sent:
		assert.Equal(t, "!a1b2c3d4", frame.Destination)
		assert.Equal(t, "Pong ALFA!", frame.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("no reply sent")
	}

	n, ok := svc.nodes.Get("!a1b2c3d4")
	require.True(t, ok)
	assert.Equal(t, "mesh", n.Link)

	adapter.DropLink(errors.New("serial unplugged"))
	down := waitForEvent(t, events, bus.EventLinkDown)
	assert.Equal(t, "serial unplugged", down.Error)
	waitForEvent(t, events, bus.EventLinkUp)

	status := svc.currentStatus("ok")
	assert.Equal(t, 1, status.Links["mesh"].Reconnects)
	assert.True(t, status.Links["mesh"].Connected)

	require.NoError(t, adapter.InjectText("!a1b2c3d4", "!info", true))
	select {
	case frame := <-sent:
		assert.True(t, strings.HasPrefix(frame.Text, "Test Mesh"), frame.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("no reply after reconnect")
	}

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
}

func TestServiceShutdownFlushesQueuedDirectReplies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	cfg.Transmit.ChunkDelayMillis = 300
	adapter := loopback.New("mesh", "!local", 200)
	sent := make(chan link.Frame, 4)
	adapter.OnSend(func(f link.Frame) { sent <- f })

	svc := newTestService(t, cfg, []link.Adapter{adapter}, WithoutStatusServer())
	events, unsubscribe := svc.Events().SubscribeEvents(ctx, 32)
	defer unsubscribe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()
	waitForEvent(t, events, bus.EventLinkUp)

	for _, text := range []string{"first", "second"} {
		_, err := svc.Enqueue("mesh", transmit.Job{Destination: "!a1b2c3d4", Text: text, Priority: transmit.PriorityDirect})
		require.NoError(t, err)
	}
	select {
	case frame := <-sent:
		assert.Equal(t, "first", frame.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("first reply not sent")
	}

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}

	select {
	case frame := <-sent:
		assert.Equal(t, "second", frame.Text)
	default:
		t.Fatal("queued direct reply was dropped at shutdown")
	}
	assert.False(t, adapter.Connected())
}

func TestServiceRunKeepsRetryingFailedConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := testConfig(t)
	cfg.Gateway.Port = freeTCPPort(t)
	adapter := &flakyAdapter{Adapter: loopback.New("mesh", "!local", 200), failures: 2}

	svc := newTestService(t, cfg, []link.Adapter{adapter})
	events, unsubscribe := svc.Events().SubscribeEvents(ctx, 32)
	defer unsubscribe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	waitForEvent(t, events, bus.EventLinkUp)
	assert.Equal(t, 3, adapter.attempts)

	cancel()
	require.NoError(t, <-errCh)
}

type flakyAdapter struct {
	*loopback.Adapter
	failures int
	attempts int
}

func (a *flakyAdapter) Connect(ctx context.Context) error {
	a.attempts++
	if a.attempts <= a.failures {
		return &link.ConnectError{Link: a.Name(), Err: errors.New("no radio")}
	}
	return a.Adapter.Connect(ctx)
}

func TestStatusServerEndpoints(t *testing.T) {
	svc := newTestService(t, testConfig(t), []link.Adapter{loopback.New("mesh", "!local", 200)})
	t.Cleanup(svc.shutdown)
	srv := httptest.NewServer(svc.router())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no link connected yet")

	var status statusResponse
	getJSON(t, srv.URL+"/api/status", http.StatusOK, &status)
	assert.Equal(t, "degraded", status.Status)
	assert.True(t, status.Degraded)
	assert.Contains(t, status.Links, "mesh")

	svc.nodes.Observe(node.Node{ID: "!a1b2c3d4", ShortName: "ALFA", LastSeen: time.Now().UTC()})

	var nodes []nodeView
	getJSON(t, srv.URL+"/api/nodes", http.StatusOK, &nodes)
	require.Len(t, nodes, 1)
	assert.True(t, nodes[0].Online)

	var one nodeView
	getJSON(t, srv.URL+"/api/nodes/!a1b2c3d4", http.StatusOK, &one)
	assert.Equal(t, "ALFA", one.ShortName)

	var missing errorResponse
	getJSON(t, srv.URL+"/api/nodes/!ffffffff", http.StatusNotFound, &missing)
	assert.Equal(t, "node not found", missing.Error)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "groundwave_http_requests_total")
}

func TestSendEndpointQueuesJobs(t *testing.T) {
	svc := newTestService(t, testConfig(t), []link.Adapter{loopback.New("mesh", "!local", 200)})
	t.Cleanup(svc.shutdown)
	srv := httptest.NewServer(svc.router())
	t.Cleanup(srv.Close)

	var queued sendResponse
	postJSON(t, srv.URL+"/api/send", `{"destination":"!a1b2c3d4","text":"net check"}`, http.StatusAccepted, &queued)
	assert.NotEmpty(t, queued.JobID)
	assert.Equal(t, 1, svc.schedulers["mesh"].Depth(), "job waits while the link is down")

	var failed errorResponse
	postJSON(t, srv.URL+"/api/send", `{"link":"lora","text":"x"}`, http.StatusNotFound, &failed)
	assert.Equal(t, "unknown link", failed.Error)

	postJSON(t, srv.URL+"/api/send", `{"text":"  "}`, http.StatusBadRequest, &failed)
	postJSON(t, srv.URL+"/api/send", `not json`, http.StatusBadRequest, &failed)
}

func TestEventFeedStreamsBusEvents(t *testing.T) {
	svc := newTestService(t, testConfig(t), []link.Adapter{loopback.New("mesh", "!local", 200)})
	t.Cleanup(svc.shutdown)
	srv := httptest.NewServer(svc.router())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/events", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// The server subscribes after the upgrade, so keep publishing until one lands.
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				svc.events.PublishEvent(ctx, bus.Event{Type: bus.EventReplyQueued, Link: "mesh", JobID: "job-1"})
			}
		}
	}()

	var ev bus.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, bus.EventReplyQueued, ev.Type)
	assert.Equal(t, "job-1", ev.JobID)

	conn.Close(websocket.StatusNormalClosure, "")
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/api/nodes/:id", normalizePath("/api/nodes/!a1b2c3d4"))
	assert.Equal(t, "/api/nodes", normalizePath("/api/nodes"))
	assert.Equal(t, "/healthz", normalizePath("/healthz"))
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, wantStatus, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func postJSON(t *testing.T, url string, body string, wantStatus int, out any) {
	t.Helper()

	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, wantStatus, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

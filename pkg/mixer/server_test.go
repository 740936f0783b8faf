package mixer

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	eventsource "github.com/stalexteam/eventsource_go"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *Mixer) {
	t.Helper()

	m, _ := newTestMixer(t)

	ts := httptest.NewServer(m.server.Handler())
	t.Cleanup(ts.Close)

	return ts, m
}

func postJSON(t *testing.T, url string, body string) (int, commandResponse) {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded commandResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))

	return resp.StatusCode, decoded
}

func TestServerState(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var state StateView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	require.Len(t, state.Applications, 2)
	require.Len(t, state.Outputs, 2)
	require.Len(t, state.Inputs, 1)
	require.Equal(t, "a.exe", state.Applications[0].ProcessName)
}

func TestServerStateRejectsPost(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/state", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServerCommands(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantMsg  string
	}{
		{
			name:     "volume",
			path:     "/api/volume",
			body:     `{"kind":"application","pid":100,"volume":0.25}`,
			wantCode: http.StatusOK,
			wantMsg:  "Volume set to 25%",
		},
		{
			name:     "volume on device",
			path:     "/api/volume",
			body:     `{"kind":"device","id":"mic1","direction":"input","volume":0.5}`,
			wantCode: http.StatusOK,
			wantMsg:  "Volume set to 50%",
		},
		{
			name:     "volume out of range",
			path:     "/api/volume",
			body:     `{"pid":100,"volume":1.5}`,
			wantCode: http.StatusBadRequest,
			wantMsg:  "volume must be between 0 and 1",
		},
		{
			name:     "volume missing",
			path:     "/api/volume",
			body:     `{"pid":100}`,
			wantCode: http.StatusBadRequest,
			wantMsg:  "volume is required",
		},
		{
			name:     "volume on vanished application",
			path:     "/api/volume",
			body:     `{"pid":999,"volume":0.5}`,
			wantCode: http.StatusNotFound,
			wantMsg:  "application not found",
		},
		{
			name:     "mute defaults to true",
			path:     "/api/mute",
			body:     `{"pid":200}`,
			wantCode: http.StatusOK,
			wantMsg:  "Muted",
		},
		{
			name:     "unmute",
			path:     "/api/mute",
			body:     `{"pid":200,"muted":false}`,
			wantCode: http.StatusOK,
			wantMsg:  "Unmuted",
		},
		{
			name:     "solo",
			path:     "/api/solo",
			body:     `{"pid":100}`,
			wantCode: http.StatusOK,
			wantMsg:  "Solo on",
		},
		{
			name:     "unsolo",
			path:     "/api/unsolo",
			body:     `{"pid":100}`,
			wantCode: http.StatusOK,
			wantMsg:  "Solo off",
		},
		{
			name:     "default device",
			path:     "/api/default",
			body:     `{"id":"speaker2","direction":"output"}`,
			wantCode: http.StatusOK,
			wantMsg:  "Default device changed",
		},
		{
			name:     "default unknown device",
			path:     "/api/default",
			body:     `{"id":"speaker9","direction":"output"}`,
			wantCode: http.StatusNotFound,
			wantMsg:  "device not found",
		},
		{
			name:     "unknown kind",
			path:     "/api/mute",
			body:     `{"kind":"bus"}`,
			wantCode: http.StatusBadRequest,
			wantMsg:  "kind must be application or device",
		},
		{
			name:     "not json",
			path:     "/api/mute",
			body:     `mute everything`,
			wantCode: http.StatusBadRequest,
			wantMsg:  "request body must be JSON",
		},
	}

	ts, _ := newTestServer(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := postJSON(t, ts.URL+tt.path, tt.body)
			require.Equal(t, tt.wantCode, code)
			require.Equal(t, tt.wantMsg, resp.Message)
			require.Equal(t, tt.wantCode == http.StatusOK, resp.OK)
		})
	}
}

func TestServerCommandsChangeState(t *testing.T) {
	ts, m := newTestServer(t)

	code, _ := postJSON(t, ts.URL+"/api/solo", `{"kind":"app","pid":200}`)
	require.Equal(t, http.StatusOK, code)

	app, ok := m.Snapshot().Application(100)
	require.True(t, ok)
	require.True(t, app.Muted)
}

func TestServerCommandsRejectGet(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/volume")
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
}

func TestServerLifecycle(t *testing.T) {
	m, _ := newTestMixer(t)

	// no port, no server
	require.NoError(t, m.server.Start(0))
	require.False(t, m.server.IsRunning())

	// publishing without observers is a no-op
	m.server.Publish(m.Snapshot())

	m.server.Stop()
	require.Zero(t, m.server.Port())
}

func TestServerEventStream(t *testing.T) {
	ts, m := newTestServer(t)

	resp, err := http.Get(ts.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	decoder := eventsource.NewDecoder(resp.Body)

	var first eventsource.Event
	require.NoError(t, decoder.Decode(&first))
	require.Equal(t, "state", first.Type)
	require.Equal(t, "5000", first.Retry)

	var state StateView
	require.NoError(t, json.Unmarshal(first.Data, &state))
	require.Len(t, state.Applications, 2)

	require.True(t, m.SetVolume(context.Background(), ApplicationTarget(100), 0.2).OK())
	m.server.Publish(m.Snapshot())

	var next eventsource.Event
	require.NoError(t, decoder.Decode(&next))
	require.Equal(t, "state", next.Type)
	require.NotEqual(t, first.ID, next.ID)

	require.NoError(t, json.Unmarshal(next.Data, &state))
	require.InDelta(t, 0.2, state.Applications[0].Volume, 1e-6)
}

func TestObserverSetDropsSlowObservers(t *testing.T) {
	set := newObserverSet()
	fast := set.add()
	slow := set.add()

	for i := 0; i < observerBacklog; i++ {
		require.Zero(t, set.broadcast(eventsource.Event{Type: "ping"}))
		<-fast.events
	}

	// slow never drained, so its backlog is full
	require.Equal(t, 1, set.broadcast(eventsource.Event{Type: "ping"}))
	require.Equal(t, 1, set.count())

	select {
	case <-slow.dropped:
	default:
		t.Fatal("slow observer was not dropped")
	}

	// removing an already dropped observer is harmless
	set.remove(slow)

	set.closeAll()
	require.Zero(t, set.count())
	<-fast.dropped
}

func TestServerMuteDuringSolo(t *testing.T) {
	ts, m := newTestServer(t)

	code, _ := postJSON(t, ts.URL+"/api/solo", `{"pid":100}`)
	require.Equal(t, http.StatusOK, code)

	code, resp := postJSON(t, ts.URL+"/api/mute", `{"pid":200,"muted":false}`)
	require.Equal(t, http.StatusConflict, code)
	require.False(t, resp.OK)
	require.Equal(t, "conflict", resp.Class)
	require.Equal(t, "solo is active, turn it off first", resp.Message)

	app, ok := m.Snapshot().Application(200)
	require.True(t, ok)
	require.True(t, app.Muted)
}

func TestServerReleasesAfterListenFailure(t *testing.T) {
	m, _ := newTestMixer(t)

	// hold the port so the server can't bind it
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer listener.Close()

	port := listener.Addr().(*net.TCPAddr).Port

	stop := m.server.stopped()
	require.NoError(t, m.server.Start(port))

	require.Eventually(t, func() bool {
		select {
		case <-stop:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	require.False(t, m.server.IsRunning())
	require.Zero(t, m.server.Port())

	// stopping after the failure is harmless
	m.server.Stop()
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusOK, httpStatus(ClassNone))
	require.Equal(t, http.StatusBadRequest, httpStatus(ClassValidation))
	require.Equal(t, http.StatusNotFound, httpStatus(ClassTargetNotFound))
	require.Equal(t, http.StatusNotImplemented, httpStatus(ClassUnsupported))
	require.Equal(t, http.StatusServiceUnavailable, httpStatus(ClassPrecondition))
	require.Equal(t, http.StatusBadGateway, httpStatus(ClassAdapterFailure))
	require.Equal(t, http.StatusConflict, httpStatus(ClassConflict))
}

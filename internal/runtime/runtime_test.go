package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/bus/bustest"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/tts/ttstest"
)

func testConfig(t *testing.T, synth *ttstest.Server) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.Playback.Backend = "none"
	cfg.Node.HeartbeatInterval = 50
	cfg.Stream.StopTimeoutMS = 500
	cfg.LLM.Enabled = true
	cfg.LLM.Mode = "mock"
	host, port := synth.Endpoint()
	cfg.Stream.Host = host
	cfg.Stream.Port = port
	return cfg
}

type testRuntime struct {
	*Runtime
	http *httptest.Server
}

func startRuntime(t *testing.T, cfg config.Config) *testRuntime {
	t.Helper()
	r := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := r.setup(ctx); err != nil {
		r.teardown()
		t.Fatalf("setup runtime: %v", err)
	}
	t.Cleanup(r.teardown)
	r.ready.Store(true)

	srv := httptest.NewServer(r.routes(nil))
	t.Cleanup(srv.Close)
	return &testRuntime{Runtime: r, http: srv}
}

func (tr *testRuntime) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(tr.http.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (tr *testRuntime) getJSON(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(tr.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func startSynth(t *testing.T, handler ttstest.Handler) *ttstest.Server {
	t.Helper()
	srv, err := ttstest.NewServer("127.0.0.1:0", handler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestSpeakPlaysToEndAndIsRecorded(t *testing.T) {
	synth := startSynth(t, ttstest.Script(10*time.Millisecond, ttstest.Encode(0.1, 0.2, 0.3), ttstest.End()))
	rt := startRuntime(t, testConfig(t, synth))

	resp := rt.post(t, "/v1/speak", speakRequest{Text: "good morning", SessionID: "greeting"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started speakResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.Equal(t, "greeting", started.SessionID)
	assert.Equal(t, uint64(1), started.Generation)

	require.Eventually(t, func() bool {
		var st struct {
			State   string `json:"state"`
			Session struct {
				Samples uint64 `json:"samples"`
			} `json:"session"`
		}
		rt.getJSON(t, "/v1/status", &st)
		return st.State == "ended" && st.Session.Samples == 3
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"good morning"}, synth.Requests())

	require.Eventually(t, func() bool {
		var sessions []sessionView
		rt.getJSON(t, "/v1/sessions", &sessions)
		return len(sessions) == 1 && sessions[0].FinalState == "ended" && sessions[0].FinishedAt != nil
	}, 3*time.Second, 20*time.Millisecond)

	var events []eventView
	require.Equal(t, http.StatusOK, rt.getJSON(t, "/v1/sessions/greeting/events", &events))
	require.NotEmpty(t, events)
	assert.Equal(t, "connecting", events[0].State)
}

func TestSpeakRejectsEmptyText(t *testing.T) {
	rt := startRuntime(t, testConfig(t, startSynth(t, ttstest.Hold())))

	resp := rt.post(t, "/v1/speak", speakRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad, err := http.Post(rt.http.URL+"/v1/speak", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestStopSilencesPlayback(t *testing.T) {
	rt := startRuntime(t, testConfig(t, startSynth(t, ttstest.Hold(ttstest.Encode(0.5, 0.5)))))

	require.Equal(t, http.StatusAccepted, rt.post(t, "/v1/speak", speakRequest{Text: "a long story"}).StatusCode)
	require.Eventually(t, func() bool { return rt.ctrl.Status().State.String() == "receiving" }, 3*time.Second, 10*time.Millisecond)

	resp := rt.post(t, "/v1/stop", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Status struct {
			State    string `json:"state"`
			Buffered int    `json:"buffered_samples"`
			Playing  bool   `json:"playing"`
		} `json:"status"`
		Warning string `json:"warning"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "aborted", out.Status.State)
	assert.Zero(t, out.Status.Buffered)
	assert.False(t, out.Status.Playing)
	assert.Empty(t, out.Warning)
}

func TestReadyzProbesSynthesizer(t *testing.T) {
	synth := startSynth(t, ttstest.Hold())
	rt := startRuntime(t, testConfig(t, synth))

	require.Eventually(t, func() bool { return rt.getJSON(t, "/readyz", nil) == http.StatusOK }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, synth.Close())
	assert.Equal(t, http.StatusServiceUnavailable, rt.getJSON(t, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rt.getJSON(t, "/healthz", nil))
}

func TestTranscriptIsAnsweredOutLoud(t *testing.T) {
	synth := startSynth(t, ttstest.Script(10*time.Millisecond, ttstest.Encode(0.1), ttstest.End()))
	rt := startRuntime(t, testConfig(t, synth))

	bustest.Publish(t, rt.bus, protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "conv", Text: "hello avatar"})

	require.Eventually(t, func() bool {
		reqs := synth.Requests()
		return len(reqs) == 1 && reqs[0] == "You said: hello avatar"
	}, 3*time.Second, 20*time.Millisecond)

	var nodes []struct {
		ID string `json:"id"`
	}
	require.Equal(t, http.StatusOK, rt.getJSON(t, "/v1/nodes", &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "loqa-avatar-1", nodes[0].ID)
}

func TestNewPlayerRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Playback.Backend = "pulse"
	_, err := newPlayer(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SearocIsMe/elderly-companion/internal/adapters"
	"github.com/SearocIsMe/elderly-companion/internal/adapters/dryrun"
	"github.com/SearocIsMe/elderly-companion/internal/audit"
	"github.com/SearocIsMe/elderly-companion/internal/bus"
	"github.com/SearocIsMe/elderly-companion/internal/emergency"
	"github.com/SearocIsMe/elderly-companion/internal/guard"
	"github.com/SearocIsMe/elderly-companion/internal/guard/ratelimit"
	"github.com/SearocIsMe/elderly-companion/internal/intent"
	"github.com/SearocIsMe/elderly-companion/internal/orchestrator"
	"github.com/SearocIsMe/elderly-companion/internal/policy"
	"github.com/SearocIsMe/elderly-companion/internal/policy/policytest"
	"github.com/SearocIsMe/elderly-companion/internal/session"
	httpapi "github.com/SearocIsMe/elderly-companion/internal/transport/http"
)

type edge struct {
	srv      *httptest.Server
	rec      *dryrun.Recorder
	store    *policy.Store
	sessions *session.Manager
	emerg    *emergency.Dispatcher
	path     string
	drained  chan struct{}
}

func newEdge(t *testing.T) *edge {
	t.Helper()

	doc := policytest.Document()
	for i := range doc.Ladder {
		doc.Ladder[i].RingTimeout = policy.Duration(40e6)
	}
	data, err := policy.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	snap := policytest.Compile(t, doc)
	store := policy.NewStore(snap)
	rec := dryrun.New()
	events := bus.New(256)
	recorder := audit.NewRecorder(1024, events, nil)
	auditlog := audit.NewMemoryStore()
	sessions := session.NewManager()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	disp := adapters.NewDispatcher(rec.Registry(), store, events)
	emerg := emergency.NewDispatcher(disp, store, sessions, events, recorder)
	guards := guard.New(ratelimit.NewMemoryStore())

	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"intent":"chat","style":"general"}`))
	}))
	t.Cleanup(llm.Close)
	intents := intent.NewClient(llm.URL, "v1")

	orch := orchestrator.New(store, sessions, guards, intents, emerg, disp,
		events, recorder, nil, logger, orchestrator.Deadlines{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = disp.Run(ctx) }()
	go func() { _ = emerg.Run(ctx) }()
	go func() { _ = audit.NewWorker(auditlog, recorder.Inbox()).Run(ctx) }()

	drained := make(chan struct{})
	handler := httpapi.New(logger, orch, store, path, sessions, emerg, events, auditlog,
		func() { close(drained) })

	srv := httptest.NewServer(handler.Router())
	t.Cleanup(srv.Close)

	return &edge{srv: srv, rec: rec, store: store, sessions: sessions, emerg: emerg, path: path, drained: drained}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestASRText_DirectCommand(t *testing.T) {
	e := newEdge(t)

	resp := postJSON(t, e.srv.URL+"/asr/text", map[string]any{
		"utterance_id":       "u-1",
		"text":               "把客厅的灯调亮一点",
		"language":           "zh",
		"asr_conf":           0.95,
		"t_arrival_ms":       time.Now().UnixMilli(),
		"speaker_profile_id": "grandma",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope orchestrator.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, orchestrator.StatusOK, envelope.Status)

	applied, _, _, _ := e.rec.Snapshot()
	require.Len(t, applied, 1)
}

func TestASRText_RejectsBadLanguage(t *testing.T) {
	e := newEdge(t)

	resp := postJSON(t, e.srv.URL+"/asr/text", map[string]any{
		"utterance_id": "u-1",
		"text":         "hello",
		"language":     "fr",
		"asr_conf":     0.9,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	e := newEdge(t)

	resp, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test-1", body["policy_version"])
}

func TestReloadPolicy_ValidAndInvalid(t *testing.T) {
	e := newEdge(t)

	// Write a new valid version and reload.
	doc := policytest.Document()
	doc.Version = "test-2"
	data, err := policy.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(e.path, data, 0o644))

	resp := postJSON(t, e.srv.URL+"/control/reload-policy", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test-2", e.store.Current().Version)

	// Break the file; reload must refuse and keep the old snapshot.
	require.NoError(t, os.WriteFile(e.path, []byte("version: ''\n"), 0o644))
	resp = postJSON(t, e.srv.URL+"/control/reload-policy", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "test-2", e.store.Current().Version)
}

func TestDumpSnapshot(t *testing.T) {
	e := newEdge(t)

	resp, err := http.Get(e.srv.URL + "/control/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test-1", resp.Header.Get("X-Policy-Version"))
}

func TestTestEmergency_RunsPipeline(t *testing.T) {
	e := newEdge(t)

	resp := postJSON(t, e.srv.URL+"/control/test-emergency", map[string]any{
		"category": "sos",
		"severity": 4,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope orchestrator.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, orchestrator.StatusAcknowledged, envelope.Status)
	assert.NotEmpty(t, envelope.IncidentID)
}

func TestCallAck_RoutesToIncident(t *testing.T) {
	e := newEdge(t)

	// Open an incident first.
	resp := postJSON(t, e.srv.URL+"/control/test-emergency", map[string]any{
		"category": "medical",
		"severity": 4,
	})
	var envelope orchestrator.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	resp.Body.Close()
	require.NotEmpty(t, envelope.IncidentID)

	ack := postJSON(t, e.srv.URL+"/callbacks/call-ack", map[string]any{
		"incident_id": envelope.IncidentID,
		"contact_id":  "family",
		"status":      "answered",
	})
	ack.Body.Close()
	assert.Equal(t, http.StatusOK, ack.StatusCode)
}

func TestCallAck_UnknownIncident(t *testing.T) {
	e := newEdge(t)

	resp := postJSON(t, e.srv.URL+"/callbacks/call-ack", map[string]any{
		"incident_id": "ghost",
		"contact_id":  "family",
		"status":      "answered",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestZoneSignal_ResolvesPosition(t *testing.T) {
	e := newEdge(t)

	resp := postJSON(t, e.srv.URL+"/signals/zone", map[string]any{
		"speaker_profile_id": "grandma",
		"position":           []float64{0.5, 0.5},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "living_room", body["zone"])

	snap := e.sessions.Get("grandma").Snapshot(time.Now())
	assert.Equal(t, "living_room", string(snap.Zone))
}

func TestDrain_TriggersShutdownHook(t *testing.T) {
	e := newEdge(t)

	resp := postJSON(t, e.srv.URL+"/control/drain", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-e.drained:
	case <-time.After(time.Second):
		t.Fatal("drain hook not invoked")
	}
}

package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/loanlens/internal/archive"
	"github.com/mbd888/loanlens/internal/metrics"
	"github.com/mbd888/loanlens/internal/patterns"
	"github.com/mbd888/loanlens/internal/realtime"
	"github.com/mbd888/loanlens/internal/report"
	"github.com/mbd888/loanlens/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// --- Test Setup ---

type recordingPublisher struct {
	mu     sync.Mutex
	events []*realtime.Event
}

func (p *recordingPublisher) Publish(ev *realtime.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types(sessionID string) []realtime.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []realtime.EventType
	for _, ev := range p.events {
		if ev.SessionID == sessionID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type testEnv struct {
	router  *gin.Engine
	service *Service
	store   *session.Store
	pub     *recordingPublisher
	archive *archive.MemoryStore
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg, err := patterns.Default()
	require.NoError(t, err)
	rules, err := session.DefaultLoanConfig()
	require.NoError(t, err)

	now := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	store := session.NewStore(rules, patterns.NewDetector(reg),
		session.WithClock(clock),
		session.WithIdleTimeout(10*time.Minute),
	)
	pub := &recordingPublisher{}
	arch := archive.NewMemoryStore()
	svc := NewService(store, report.NewAggregator(reg)).
		WithArchive(arch).
		WithPublisher(pub)

	router := gin.New()
	NewHandler(svc).RegisterRoutes(router.Group("/v1"))
	return &testEnv{router: router, service: svc, store: store, pub: pub, archive: arch}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createSession(t *testing.T, consent bool) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"amount": 300, "termDays": 14, "jurisdiction": "TX", "researchConsent": consent,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.SessionID
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

// --- Sessions ---

func TestCreateSession_Success(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"amount": 300, "termDays": 14, "jurisdiction": "tx", "researchConsent": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		SessionID string              `json:"sessionId"`
		Session   session.SessionView `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.SessionID, "sess_"))
	assert.Equal(t, "exploitative", string(resp.Session.Phase))
	assert.Equal(t, "TX", resp.Session.Loan.Jurisdiction)
	assert.Equal(t, 651.79, resp.Session.Terms.APR)
	assert.Equal(t, 2, resp.Session.EventCount)

	assert.Equal(t, []realtime.EventType{realtime.EventPhaseChanged, realtime.EventViolation}, env.pub.types(resp.SessionID))
}

func TestCreateSession_Rejected(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name string
		body any
	}{
		{"unknown jurisdiction", map[string]any{"amount": 300, "termDays": 14, "jurisdiction": "ZZ"}},
		{"negative amount", map[string]any{"amount": -5, "termDays": 14, "jurisdiction": "TX"}},
		{"term too long", map[string]any{"amount": 300, "termDays": 400, "jurisdiction": "TX"}},
		{"not an object", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/v1/sessions", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "invalid_request", decodeError(t, w))
		})
	}
	assert.Equal(t, 0, env.store.Len(), "rejected requests create no state")
}

func TestGetSession(t *testing.T) {
	env := setupTestEnv(t)
	id := env.createSession(t, false)

	w := env.do(t, http.MethodGet, "/v1/sessions/"+id+"?events=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Session session.SessionView `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Session.Events, 2)

	w = env.do(t, http.MethodGet, "/v1/sessions/sess_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w))
}

func TestRecordEvent_Detection(t *testing.T) {
	env := setupTestEnv(t)
	id := env.createSession(t, true)
	before := counterValue(t, metrics.DetectionsTotal.WithLabelValues("hidden_costs", "medium"))

	w := env.do(t, http.MethodPost, "/v1/sessions/"+id+"/events", map[string]any{
		"kind":      "detection",
		"detection": map[string]any{"patternId": "drip-fees", "confidence": 0.8},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var res RecordResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Appended, 1)
	d := res.Appended[0]
	assert.Equal(t, 3, d.Seq)
	assert.Equal(t, patterns.CategoryHiddenCosts, d.Detection.Category)
	assert.Equal(t, patterns.SeverityMedium, d.Detection.Severity)
	assert.Equal(t, 15.0, res.Session.Metrics.CoercionIndex)

	assert.Equal(t, before+1, counterValue(t, metrics.DetectionsTotal.WithLabelValues("hidden_costs", "medium")))
	assert.Contains(t, env.pub.types(id), realtime.EventDetection)
}

func TestRecordEvent_Rejected(t *testing.T) {
	env := setupTestEnv(t)
	id := env.createSession(t, true)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown session", "/v1/sessions/sess_missing/events",
			map[string]any{"kind": "decision", "decision": map[string]any{"actionType": "accept"}},
			http.StatusNotFound, "not_found"},
		{"unknown pattern", "/v1/sessions/" + id + "/events",
			map[string]any{"kind": "detection", "detection": map[string]any{"patternId": "nope", "confidence": 0.9}},
			http.StatusBadRequest, "invalid_request"},
		{"below floor", "/v1/sessions/" + id + "/events",
			map[string]any{"kind": "detection", "detection": map[string]any{"patternId": "drip-fees", "confidence": 0.1}},
			http.StatusBadRequest, "invalid_request"},
		{"payload mismatch", "/v1/sessions/" + id + "/events",
			map[string]any{"kind": "violation", "decision": map[string]any{"actionType": "accept"}},
			http.StatusBadRequest, "invalid_request"},
		{"bad body", "/v1/sessions/" + id + "/events", "[]", http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decodeError(t, w))
		})
	}

	view, err := env.service.GetSession(t.Context(), id, false)
	require.NoError(t, err)
	assert.Equal(t, 2, view.EventCount)
}

func TestAdvancePhase_Lifecycle(t *testing.T) {
	env := setupTestEnv(t)
	id := env.createSession(t, true)
	path := "/v1/sessions/" + id + "/phase"

	w := env.do(t, http.MethodPost, path, map[string]string{"phase": "ethical"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Session session.SessionView `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 36.0, resp.Session.Terms.APR)

	w = env.do(t, http.MethodPost, path, map[string]string{"phase": "exploitative"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", decodeError(t, w))

	w = env.do(t, http.MethodPost, path, map[string]string{"phase": "sideways"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, path, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	for _, p := range []string{"reflection", "completed"} {
		w = env.do(t, http.MethodPost, path, map[string]string{"phase": p})
		require.Equal(t, http.StatusOK, w.Code, p)
	}

	w = env.do(t, http.MethodPost, "/v1/sessions/"+id+"/events", map[string]any{
		"kind": "decision", "decision": map[string]any{"actionType": "accept"},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "session_closed", decodeError(t, w))

	w = env.do(t, http.MethodPost, path, map[string]string{"phase": "completed"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "session_closed", decodeError(t, w))
}

func TestGetAnalytics(t *testing.T) {
	env := setupTestEnv(t)
	id := env.createSession(t, true)
	for _, p := range []struct {
		id   string
		conf float64
	}{{"decline-shaming", 0.5}, {"preselected-insurance", 0.8}, {"drip-fees", 0.6}} {
		w := env.do(t, http.MethodPost, "/v1/sessions/"+id+"/events", map[string]any{
			"kind": "detection", "detection": map[string]any{"patternId": p.id, "confidence": p.conf},
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/analytics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Report report.AnalysisReport `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Report.Recommendations, 3)
	assert.Equal(t, "preselected-insurance", resp.Report.Recommendations[0].PatternID)

	again := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/analytics", nil)
	assert.Equal(t, w.Body.String(), again.Body.String())
}

func TestCloseSession(t *testing.T) {
	env := setupTestEnv(t)
	id := env.createSession(t, false)

	w := env.do(t, http.MethodDelete, "/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, "/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Contains(t, env.pub.types(id), realtime.EventSessionClosed)
}

// --- Exports ---

func TestExport_ConsentRequired(t *testing.T) {
	env := setupTestEnv(t)
	id := env.createSession(t, false)
	before := counterValue(t, metrics.ExportsTotal.WithLabelValues("csv", "denied"))

	w := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/export?format=csv", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "consent_required", decodeError(t, w))
	assert.Equal(t, before+1, counterValue(t, metrics.ExportsTotal.WithLabelValues("csv", "denied")))
}

func TestExport_BadParams(t *testing.T) {
	env := setupTestEnv(t)
	id := env.createSession(t, true)

	w := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/export?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/v1/sessions/"+id+"/export?compress=gzip", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExport_ArchivedAndRetrievable(t *testing.T) {
	env := setupTestEnv(t)
	id := env.createSession(t, true)

	w := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/export?format=csv&compress=zstd", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/zstd", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), id+".csv.zst")
	exportID := w.Header().Get("X-Export-ID")
	require.True(t, strings.HasPrefix(exportID, "exp_"))

	raw, err := report.Decompress(w.Body.Bytes())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "session_ref,seq,timestamp"))

	got := env.do(t, http.MethodGet, "/v1/exports/"+exportID, nil)
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, w.Body.Bytes(), got.Body.Bytes())
	assert.Equal(t, w.Header().Get("X-Checksum-SHA256"), got.Header().Get("X-Checksum-SHA256"))

	list := env.do(t, http.MethodGet, "/v1/exports?sessionRef="+id, nil)
	require.Equal(t, http.StatusOK, list.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	missing := env.do(t, http.MethodGet, "/v1/exports/exp_missing", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestExport_WithoutArchive(t *testing.T) {
	env := setupTestEnv(t)
	env.service.archive = nil
	id := env.createSession(t, true)

	w := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Empty(t, w.Header().Get("X-Export-ID"))

	w = env.do(t, http.MethodGet, "/v1/exports/exp_any", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "archive_disabled", decodeError(t, w))
}

func TestExport_ListPaginates(t *testing.T) {
	env := setupTestEnv(t)
	at := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	env.service.WithClock(func() time.Time {
		at = at.Add(time.Minute)
		return at
	})
	id := env.createSession(t, true)

	var ids []string
	for i := 0; i < 3; i++ {
		w := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/export", nil)
		require.Equal(t, http.StatusOK, w.Code)
		ids = append(ids, w.Header().Get("X-Export-ID"))
	}

	type page struct {
		Exports []struct {
			ID string `json:"id"`
		} `json:"exports"`
		NextCursor string `json:"nextCursor"`
		HasMore    bool   `json:"hasMore"`
	}
	var first page
	w := env.do(t, http.MethodGet, "/v1/exports?sessionRef="+id+"&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Len(t, first.Exports, 2)
	assert.Equal(t, ids[2], first.Exports[0].ID)
	assert.Equal(t, ids[1], first.Exports[1].ID)
	assert.True(t, first.HasMore)

	var second page
	w = env.do(t, http.MethodGet, "/v1/exports?sessionRef="+id+"&limit=2&cursor="+first.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	require.Len(t, second.Exports, 1)
	assert.Equal(t, ids[0], second.Exports[0].ID)
	assert.False(t, second.HasMore)
	assert.Empty(t, second.NextCursor)

	w = env.do(t, http.MethodGet, "/v1/exports?sessionRef="+id+"&cursor=%21%21", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/v1/exports", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type flakyArchive struct {
	*archive.MemoryStore
	failures int
	calls    int
}

func (f *flakyArchive) Save(ctx context.Context, rec *archive.Record) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	return f.MemoryStore.Save(ctx, rec)
}

func TestExport_ArchiveRetries(t *testing.T) {
	env := setupTestEnv(t)
	flaky := &flakyArchive{MemoryStore: archive.NewMemoryStore(), failures: 1}
	env.service.WithArchive(flaky)
	id := env.createSession(t, true)

	w := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, flaky.calls)
	assert.NotEmpty(t, w.Header().Get("X-Export-ID"))

	down := &flakyArchive{MemoryStore: archive.NewMemoryStore(), failures: 100}
	env.service.WithArchive(down)
	before := counterValue(t, metrics.ExportsTotal.WithLabelValues("json", "error"))

	w = env.do(t, http.MethodGet, "/v1/sessions/"+id+"/export", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, archivePolicy.Attempts, down.calls)
	assert.Equal(t, before+1, counterValue(t, metrics.ExportsTotal.WithLabelValues("json", "error")))
}

// --- Patterns ---

func TestPatterns(t *testing.T) {
	env := setupTestEnv(t)
	reg := env.store.Registry()

	w := env.do(t, http.MethodGet, "/v1/patterns", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, reg.Len(), list.Count)

	w = env.do(t, http.MethodGet, "/v1/patterns?category=hidden_costs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, len(reg.ByCategory(patterns.CategoryHiddenCosts)), list.Count)

	w = env.do(t, http.MethodGet, "/v1/patterns?category=astrology", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/v1/patterns/drip-fees", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/v1/patterns/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- Eviction ---

func TestEvictIdle(t *testing.T) {
	env := setupTestEnv(t)
	id := env.createSession(t, false)

	env.service.WithClock(func() time.Time { return time.Date(2026, 7, 1, 8, 5, 0, 0, time.UTC) })
	assert.Empty(t, env.service.EvictIdle(t.Context()))

	env.service.WithClock(func() time.Time { return time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC) })
	assert.Equal(t, []string{id}, env.service.EvictIdle(t.Context()))
	assert.Equal(t, 0, env.service.SessionCount())
	assert.Contains(t, env.pub.types(id), realtime.EventSessionClosed)
}

func TestSweeper(t *testing.T) {
	env := setupTestEnv(t)
	env.createSession(t, false)
	env.service.WithClock(func() time.Time { return time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC) })

	bad := NewSweeper(env.service, "every now and then", slog.Default())
	assert.Error(t, bad.Start())

	sw := NewSweeper(env.service, "", slog.Default())
	require.NoError(t, sw.Start())
	sw.Sweep()
	sw.Stop()
	assert.Equal(t, 0, env.service.SessionCount())
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-listener/internal/clock/system"
	"github.com/JakeFAU/indieweb-listener/internal/dispatcher"
	"github.com/JakeFAU/indieweb-listener/internal/id/uuid"
	queuemem "github.com/JakeFAU/indieweb-listener/internal/queue/memory"
	"github.com/JakeFAU/indieweb-listener/internal/storage/memory"
	redismirror "github.com/JakeFAU/indieweb-listener/internal/storage/redis"
	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

const (
	testSource = "https://jane.example/reply"
	testTarget = "https://bear.im/bearlog/post1"
)

type fakeRecorder struct {
	mu      sync.Mutex
	outcome webmention.Outcome
	err     error
	panics  bool
	claims  []webmention.Claim
}

func (f *fakeRecorder) Submit(_ context.Context, claim webmention.Claim) (webmention.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("recorder exploded")
	}
	f.claims = append(f.claims, claim)
	return f.outcome, f.err
}

func (f *fakeRecorder) Accepts(target string) bool {
	return strings.HasPrefix(target, "https://bear.im/bearlog/")
}

func (f *fakeRecorder) calls() []webmention.Claim {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webmention.Claim(nil), f.claims...)
}

func accepted() webmention.Outcome {
	return webmention.Outcome{Status: webmention.StatusOK, Detail: webmention.DetailDone}
}

func newSyncServer(rec *fakeRecorder) *Server {
	return NewServer(rec, nil, nil, nil, system.New(), nil, Config{}, zap.NewNop())
}

func postForm(t *testing.T, srv *Server, form url.Values, accept string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webmention", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestReceiveSyncSuccess(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{outcome: accepted()}
	srv := newSyncServer(recorder)

	rec := postForm(t, srv, url.Values{"source": {testSource}, "target": {testTarget}, "vouch": {" friend.example "}}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "done", rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	calls := recorder.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, webmention.Claim{Source: testSource, Target: testTarget, Vouch: "friend.example"}, calls[0])
}

func TestReceiveBrowserRedirectsToTarget(t *testing.T) {
	t.Parallel()

	srv := newSyncServer(&fakeRecorder{outcome: accepted()})
	rec := postForm(t, srv, url.Values{"source": {testSource}, "target": {testTarget}}, "text/html,application/xhtml+xml")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, testTarget, rec.Header().Get("Location"))
}

func TestReceiveAcceptsQueryParameters(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{outcome: accepted()}
	srv := newSyncServer(recorder)

	q := url.Values{"source": {testSource}, "target": {testTarget}}
	req := httptest.NewRequest(http.MethodPost, "/webmention?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, recorder.calls(), 1)
}

func TestReceiveRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		outcome webmention.Outcome
		accept  string
	}{
		{name: "invalid post", outcome: webmention.Outcome{Status: 404, Detail: "invalid post"}},
		{name: "vouch required", outcome: webmention.Outcome{Status: 449, Detail: "Vouch required for webmention"}},
		{name: "vouch failed", outcome: webmention.Outcome{Status: 400, Detail: "Webmention is invalid"}},
		{name: "browser still sees rejection", outcome: webmention.Outcome{Status: 404, Detail: "invalid post"}, accept: "text/html"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newSyncServer(&fakeRecorder{outcome: tt.outcome})
			rec := postForm(t, srv, url.Values{"source": {testSource}, "target": {testTarget}}, tt.accept)
			assert.Equal(t, tt.outcome.Status, rec.Code)
			assert.Equal(t, tt.outcome.Detail, rec.Body.String())
		})
	}
}

func TestReceiveMissingFields(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{outcome: accepted()}
	srv := newSyncServer(recorder)

	rec := postForm(t, srv, url.Values{"source": {testSource}}, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "invalid post", rec.Body.String())
	require.Empty(t, recorder.calls())
}

func TestReceiveSubmitErrorIs500(t *testing.T) {
	t.Parallel()

	srv := newSyncServer(&fakeRecorder{err: errors.New("persist record: disk full")})
	rec := postForm(t, srv, url.Values{"source": {testSource}, "target": {testTarget}}, "")
	require.Equal(t, webmention.StatusInternalError, rec.Code)
	require.Equal(t, webmention.DetailInternalError, rec.Body.String())
	require.NotContains(t, rec.Body.String(), "disk full")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	srv := newSyncServer(&fakeRecorder{panics: true})
	rec := postForm(t, srv, url.Values{"source": {testSource}, "target": {testTarget}}, "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

type asyncFixture struct {
	srv      *Server
	recorder *fakeRecorder
	queue    *queuemem.Queue
	jobs     *memory.JobStore
}

func newAsyncFixture() asyncFixture {
	recorder := &fakeRecorder{outcome: accepted()}
	q := queuemem.NewQueue(4)
	jobs := memory.NewJobStore()
	srv := NewServer(recorder, jobs, dispatcher.New(q, nil), uuid.New(), system.New(), nil,
		Config{Async: true, RequestTimeout: 5 * time.Second}, zap.NewNop())
	return asyncFixture{srv: srv, recorder: recorder, queue: q, jobs: jobs}
}

func TestReceiveAsyncQueuesClaim(t *testing.T) {
	t.Parallel()

	fx := newAsyncFixture()
	rec := postForm(t, fx.srv, url.Values{"source": {testSource}, "target": {testTarget}}, "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	jobID := body["job_id"]
	require.True(t, uuid.Valid(jobID))
	require.Equal(t, "/webmention/status/"+jobID, rec.Header().Get("Location"))
	require.Equal(t, rec.Header().Get("Location"), body["status_url"])
	require.Empty(t, fx.recorder.calls())

	item, err := fx.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, jobID, item.JobID)
	require.Equal(t, testSource, item.Claim.Source)

	statusRec := httptest.NewRecorder()
	fx.srv.Handler().ServeHTTP(statusRec, httptest.NewRequest(http.MethodGet, "/webmention/status/"+jobID, nil))
	require.Equal(t, http.StatusOK, statusRec.Code)
	var status struct {
		Job webmention.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &status))
	require.Equal(t, webmention.JobStatusQueued, status.Job.Status)
	require.Equal(t, testTarget, status.Job.Claim.Target)
}

func TestReceiveAsyncRejectsOutsideSite(t *testing.T) {
	t.Parallel()

	fx := newAsyncFixture()
	rec := postForm(t, fx.srv, url.Values{"source": {testSource}, "target": {"https://elsewhere.example/post"}}, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, 0, fx.queue.Len())
}

func TestReceiveAsyncQueueClosed(t *testing.T) {
	t.Parallel()

	fx := newAsyncFixture()
	fx.queue.Close()
	rec := postForm(t, fx.srv, url.Values{"source": {testSource}, "target": {testTarget}}, "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetJobStatusErrors(t *testing.T) {
	t.Parallel()

	fx := newAsyncFixture()
	tests := map[string]int{
		"/webmention/status/not-a-uuid":                           http.StatusBadRequest,
		"/webmention/status/0190b2a4-8d7e-7c1a-9c55-3b1f5a2e4d10": http.StatusNotFound,
	}
	for path, want := range tests {
		rec := httptest.NewRecorder()
		fx.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, path)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	srv := newSyncServer(&fakeRecorder{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	srv.AddReadinessCheck("redis", func(context.Context) error { return errors.New("dial tcp: refused") })
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "dial tcp: refused")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newSyncServer(&fakeRecorder{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestMentionEndpoints(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mirror := redismirror.New(client, "test")
	ctx := context.Background()
	for _, id := range []string{"zed.example_note", "jane.example_reply", "amy.example_like"} {
		require.NoError(t, mirror.Mirror(ctx, webmention.Record{ID: id, Target: testTarget, HCardName: id}))
	}

	srv := NewServer(&fakeRecorder{}, nil, nil, nil, system.New(), NewMentionHandler(mirror, zap.NewNop()), Config{}, zap.NewNop())
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/webmention/mentions?limit=2&target=" + url.QueryEscape(testTarget))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Mentions []string `json:"mentions"`
		Total    int      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, []string{"amy.example_like", "jane.example_reply"}, list.Mentions)
	assert.Equal(t, 3, list.Total)

	rec = get("/webmention/mentions?offset=5&target=" + url.QueryEscape(testTarget))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"mentions":[]`)

	rec = get("/webmention/mentions/jane.example_reply")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"hcard_name":"jane.example_reply"`)

	assert.Equal(t, http.StatusNotFound, get("/webmention/mentions/nobody.example").Code)
	assert.Equal(t, http.StatusBadRequest, get("/webmention/mentions").Code)
	assert.Equal(t, http.StatusBadRequest, get("/webmention/mentions?limit=0&target=x").Code)
}

func TestMentionHandlerWithoutIndex(t *testing.T) {
	t.Parallel()

	h := NewMentionHandler(nil, nil)
	rec := httptest.NewRecorder()
	h.ListMentions(rec, httptest.NewRequest(http.MethodGet, "/webmention/mentions?target=x", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

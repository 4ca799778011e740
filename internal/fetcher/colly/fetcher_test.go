package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<a href="https://bear.im/bearlog/post1">post</a>`))
	})
	mux.HandleFunc("/binary", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<p>no charset</p>"))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckReachable(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{Timeout: time.Second}, nil, zap.NewNop())

	require.Equal(t, http.StatusOK, f.CheckReachable(context.Background(), srv.URL+"/ok"))
	require.Equal(t, http.StatusGone, f.CheckReachable(context.Background(), srv.URL+"/gone"))
	require.Equal(t, http.StatusNotFound, f.CheckReachable(context.Background(), srv.URL+"/missing"))
}

func TestCheckReachableTransportFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second}, nil, zap.NewNop())
	require.Equal(t, http.StatusNotFound, f.CheckReachable(context.Background(), addr+"/post"))
}

func TestFetchBodyDecodesDeclaredCharset(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{Timeout: time.Second}, nil, zap.NewNop())

	resp, err := f.FetchBody(context.Background(), srv.URL+"/ok")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, resp.HasCharset)
	require.Contains(t, resp.Text, "bear.im/bearlog/post1")
	require.Equal(t, srv.URL+"/ok", resp.URL)
}

func TestFetchBodyKeepsRawBytesWithoutCharset(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{Timeout: time.Second}, nil, zap.NewNop())

	resp, err := f.FetchBody(context.Background(), srv.URL+"/binary")
	require.NoError(t, err)
	require.False(t, resp.HasCharset)
	require.Empty(t, resp.Text)
	require.Equal(t, []byte("<p>no charset</p>"), resp.Body)
}

func TestFetchBodyRepeatedVisits(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{Timeout: time.Second}, nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		resp, err := f.FetchBody(context.Background(), srv.URL+"/ok")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestFetchBodyTLSVerification(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("self-signed"))
	}))
	t.Cleanup(srv.Close)

	strict := New(Config{Timeout: time.Second}, nil, zap.NewNop())
	_, err := strict.FetchBody(context.Background(), srv.URL)
	require.Error(t, err)

	insecure := New(Config{Timeout: time.Second, InsecureTLS: true}, nil, zap.NewNop())
	resp, err := insecure.FetchBody(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "self-signed", string(resp.Body))
}

func TestFetchBodyHonoursLimiter(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	limiter := &countingLimiter{}
	f := New(Config{Timeout: time.Second}, limiter, zap.NewNop())

	_, err := f.FetchBody(context.Background(), srv.URL+"/ok")
	require.NoError(t, err)
	require.Equal(t, int32(1), limiter.calls.Load())

	limiter.err = errors.New("slow down")
	_, err = f.FetchBody(context.Background(), srv.URL+"/ok")
	require.ErrorContains(t, err, "rate limit")
}

func TestFetchBodyCanceledContext(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{Timeout: time.Second}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.FetchBody(ctx, srv.URL+"/ok")
	require.Error(t, err)
}

func TestFetcherConcurrentRequests(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{Timeout: time.Second, UserAgent: "listener-test"}, nil, zap.NewNop())

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	codes := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.FetchBody(context.Background(), srv.URL+"/ok")
			if err != nil {
				errs <- err
				return
			}
			codes <- resp.StatusCode
			codes <- f.CheckReachable(context.Background(), srv.URL+"/gone")
		}()
	}
	wg.Wait()
	close(errs)
	close(codes)

	for err := range errs {
		require.NoError(t, err)
	}
	var ok, gone int
	for code := range codes {
		switch code {
		case http.StatusOK:
			ok++
		case http.StatusGone:
			gone++
		}
	}
	require.Equal(t, workers, ok)
	require.Equal(t, workers, gone)
}

func TestFetcherDoesNotReplayCookies(t *testing.T) {
	t.Parallel()

	var replayed atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("session"); err == nil {
			replayed.Add(1)
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: time.Second}, nil, zap.NewNop())
	for i := 0; i < 2; i++ {
		_, err := f.FetchBody(context.Background(), srv.URL+"/")
		require.NoError(t, err)
	}
	require.Zero(t, replayed.Load())
}

func TestFetchBodyRecordsDuration(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{Timeout: time.Second}, nil, zap.NewNop())

	resp, err := f.FetchBody(context.Background(), srv.URL+"/ok")
	require.NoError(t, err)
	require.Positive(t, resp.Duration)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, zap.NewNop())
	var result webmention.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/plain; charset=ISO-8859-1"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.True(t, result.HasCharset)
	require.Equal(t, "body", result.Text)
	require.Equal(t, "https://example.com", result.URL)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

type countingLimiter struct {
	calls atomic.Int32
	err   error
}

func (l *countingLimiter) Wait(context.Context, string) error {
	l.calls.Add(1)
	return l.err
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

package vouch

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

type probeFetcher struct {
	mu    sync.Mutex
	pages map[string]webmention.FetchResponse
	err   error
	calls int
}

func (p *probeFetcher) CheckReachable(context.Context, string) int {
	return http.StatusOK
}

func (p *probeFetcher) FetchBody(_ context.Context, url string) (webmention.FetchResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return webmention.FetchResponse{}, p.err
	}
	if resp, ok := p.pages[url]; ok {
		return resp, nil
	}
	return webmention.FetchResponse{StatusCode: http.StatusNotFound}, nil
}

func (p *probeFetcher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

const indieHome = `<html><head>
<link rel="webmention" href="https://webmention.io/tantek.com/webmention">
<link rel="authorization_endpoint" href="https://indieauth.com/auth">
</head><body><a class="h-card" href="/">Tantek</a></body></html>`

func newValidator(t *testing.T, fetcher webmention.Fetcher, opts ...Option) (*Validator, *AllowList) {
	t.Helper()
	list := NewAllowList(filepath.Join(t.TempDir(), "vouch_domains.txt"))
	opts = append(opts, WithLogger(zap.NewNop()))
	return NewValidator(list, fetcher, opts...), list
}

func TestIsVouchedProbesAndRemembers(t *testing.T) {
	t.Parallel()

	fetcher := &probeFetcher{pages: map[string]webmention.FetchResponse{
		"https://tantek.com": {StatusCode: http.StatusOK, Body: []byte(indieHome)},
	}}
	v, list := newValidator(t, fetcher)

	require.True(t, v.IsVouched(context.Background(), "Tantek.com"))
	assert.Equal(t, 2, fetcher.callCount(), "one probe per endpoint")

	domains, err := list.Domains()
	require.NoError(t, err)
	assert.Equal(t, []string{"tantek.com"}, domains)

	require.True(t, v.IsVouched(context.Background(), "tantek.com"))
	assert.Equal(t, 2, fetcher.callCount(), "allow-listed domain must not be probed again")
}

func TestIsVouchedLinkHeaders(t *testing.T) {
	t.Parallel()

	headers := http.Header{}
	headers.Add("Link", `<https://aaronpk.example/webmention>; rel="webmention"`)
	headers.Add("Link", `<https://aaronpk.example/auth>; rel="authorization_endpoint"`)
	fetcher := &probeFetcher{pages: map[string]webmention.FetchResponse{
		"https://aaronpk.example": {StatusCode: http.StatusOK, Headers: headers},
	}}
	v, _ := newValidator(t, fetcher)

	assert.True(t, v.IsVouched(context.Background(), "aaronpk.example"))
}

func TestIsVouchedRejections(t *testing.T) {
	t.Parallel()

	onlyWebmention := `<link rel="webmention" href="/wm">`
	tests := []struct {
		name      string
		domain    string
		pages     map[string]webmention.FetchResponse
		fetchErr  error
		wantCalls int
	}{
		{
			name:      "no endpoints",
			domain:    "plain.example",
			pages:     map[string]webmention.FetchResponse{"https://plain.example": {StatusCode: http.StatusOK, Body: []byte("<p>hi</p>")}},
			wantCalls: 1,
		},
		{
			name:      "webmention only",
			domain:    "half.example",
			pages:     map[string]webmention.FetchResponse{"https://half.example": {StatusCode: http.StatusOK, Body: []byte(onlyWebmention)}},
			wantCalls: 2,
		},
		{
			name:      "unreachable",
			domain:    "down.example",
			fetchErr:  errors.New("dial tcp: no such host"),
			wantCalls: 1,
		},
		{
			name:      "error status",
			domain:    "missing.example",
			wantCalls: 1,
		},
		{
			name:      "empty domain",
			domain:    "  ",
			wantCalls: 0,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fetcher := &probeFetcher{pages: tt.pages, err: tt.fetchErr}
			v, list := newValidator(t, fetcher)

			assert.False(t, v.IsVouched(context.Background(), tt.domain))
			assert.Equal(t, tt.wantCalls, fetcher.callCount())

			domains, err := list.Domains()
			require.NoError(t, err)
			assert.Empty(t, domains, "allow-list must be unchanged")
		})
	}
}

func TestIsVouchedNegativeCache(t *testing.T) {
	t.Parallel()

	fetcher := &probeFetcher{}
	v, _ := newValidator(t, fetcher, WithNegativeCache(time.Minute))

	assert.False(t, v.IsVouched(context.Background(), "spam.example"))
	assert.False(t, v.IsVouched(context.Background(), "SPAM.example"))
	assert.Equal(t, 1, fetcher.callCount())
}

func TestIsVouchedWithoutNegativeCacheReprobes(t *testing.T) {
	t.Parallel()

	fetcher := &probeFetcher{}
	v, _ := newValidator(t, fetcher, WithNegativeCache(0))

	assert.False(t, v.IsVouched(context.Background(), "spam.example"))
	assert.False(t, v.IsVouched(context.Background(), "spam.example"))
	assert.Equal(t, 2, fetcher.callCount())
}

func TestProbeTarget(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://tantek.com", probeTarget("tantek.com"))
	assert.Equal(t, "http://127.0.0.1:8080", probeTarget("http://127.0.0.1:8080"))
}

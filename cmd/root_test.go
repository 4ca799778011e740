package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

type fakeApp struct {
	outcome webmention.Outcome
	err     error
	ran     bool
	closed  bool
	claims  []webmention.Claim
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return f.err
}

func (f *fakeApp) Verify(_ context.Context, claim webmention.Claim) (webmention.Outcome, error) {
	f.claims = append(f.claims, claim)
	return f.outcome, f.err
}

func (f *fakeApp) Close() error {
	f.closed = true
	return nil
}

func runRoot(t *testing.T, app *fakeApp, args ...string) (string, error) {
	t.Helper()
	var gotPath string
	root := newRootCmd(func(_ context.Context, cfgPath string) (App, error) {
		gotPath = cfgPath
		return app, nil
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	if err == nil {
		assert.Equal(t, "listener.yaml", gotPath)
	}
	return out.String(), err
}

func TestVerifyPrintsOutcome(t *testing.T) {
	t.Parallel()
	app := &fakeApp{outcome: webmention.Outcome{
		Status: webmention.StatusOK,
		Detail: webmention.DetailDone,
		Record: &webmention.Record{Snippet: "content/post.001.mention"},
	}}

	out, err := runRoot(t, app, "--config", "listener.yaml", "verify",
		"--source", " https://jane.example/reply ",
		"--target", "https://bear.im/post",
		"--vouch", "friend.example",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "200 done")
	assert.Contains(t, out, "snippet: content/post.001.mention")
	require.Len(t, app.claims, 1)
	assert.Equal(t, webmention.Claim{
		Source: "https://jane.example/reply",
		Target: "https://bear.im/post",
		Vouch:  "friend.example",
	}, app.claims[0])
	assert.True(t, app.closed)
}

func TestVerifyRejectedClaimFails(t *testing.T) {
	t.Parallel()
	app := &fakeApp{outcome: webmention.Outcome{
		Status: webmention.StatusVouchRequired,
		Detail: webmention.DetailVouchRequired,
	}}

	out, err := runRoot(t, app, "--config", "listener.yaml", "verify",
		"--source", "https://jane.example/reply",
		"--target", "https://bear.im/post",
	)
	require.ErrorIs(t, err, errRejected)
	assert.Contains(t, out, "449 "+webmention.DetailVouchRequired)
}

func TestServeRunsApp(t *testing.T) {
	t.Parallel()
	app := &fakeApp{}

	_, err := runRoot(t, app, "--config", "listener.yaml", "serve")
	require.NoError(t, err)
	assert.True(t, app.ran)
}

func TestFactoryErrorStopsCommand(t *testing.T) {
	t.Parallel()
	root := newRootCmd(func(context.Context, string) (App, error) {
		return nil, errors.New("boom")
	})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"serve"})

	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize application services")
}

package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bgm-collector/internal/config"
	"github.com/JakeFAU/bgm-collector/internal/scheduler"
)

type fakeApp struct {
	runErr     error
	status     scheduler.Status
	refreshErr error
	ran        bool
	refreshed  bool
	closed     bool
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return f.runErr
}

func (f *fakeApp) RefreshOnce(context.Context) (scheduler.Status, error) {
	f.refreshed = true
	return f.status, f.refreshErr
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

// useFakeApp swaps the factory for the duration of the test. Tests using it
// must not run in parallel.
func useFakeApp(t *testing.T, app *fakeApp) *config.Config {
	t.Helper()
	var seen config.Config
	prev := newApp
	newApp = func(_ context.Context, cfg *config.Config) (App, error) {
		seen = *cfg
		return app, nil
	}
	t.Cleanup(func() { newApp = prev })
	return &seen
}

func execute(args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServeRunsApp(t *testing.T) {
	app := &fakeApp{}
	useFakeApp(t, app)

	_, err := execute("serve")
	require.NoError(t, err)
	assert.True(t, app.ran)
}

func TestServePropagatesRunError(t *testing.T) {
	app := &fakeApp{runErr: errors.New("listen: address in use")}
	useFakeApp(t, app)

	_, err := execute("serve")
	require.ErrorContains(t, err, "address in use")
}

func TestRefreshOnAirSucceeds(t *testing.T) {
	app := &fakeApp{status: scheduler.StatusSucceeded}
	useFakeApp(t, app)

	out, err := execute("refresh-onair")
	require.NoError(t, err)
	assert.True(t, app.refreshed)
	assert.True(t, app.closed)
	assert.Contains(t, out, "succeeded")
}

func TestRefreshOnAirReportsFailureAndCloses(t *testing.T) {
	app := &fakeApp{status: scheduler.StatusFailed, refreshErr: errors.New("mirror down")}
	useFakeApp(t, app)

	_, err := execute("refresh-onair")
	require.ErrorContains(t, err, "mirror down")
	assert.True(t, app.closed)
}

func TestConfigFlagIsLoaded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o600))
	app := &fakeApp{status: scheduler.StatusSucceeded}
	seen := useFakeApp(t, app)

	_, err := execute("--config", path, "refresh-onair")
	require.NoError(t, err)
	assert.Equal(t, 9191, seen.Server.Port)
}

func TestMissingConfigFails(t *testing.T) {
	app := &fakeApp{}
	useFakeApp(t, app)

	_, err := execute("--config", filepath.Join(t.TempDir(), "missing.yaml"), "serve")
	require.ErrorContains(t, err, "load config")
	assert.False(t, app.ran)
}

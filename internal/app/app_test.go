package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"convodb/pkg/config"
	"convodb/pkg/state"
)

func newApp(t *testing.T, mutate func(*config.Config)) *App {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Server.DBPath = dir
	cfg.Compaction.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}
	eff := config.EffectiveConfigResult{Config: cfg, Addr: "127.0.0.1:0", DBPath: dir, Source: "test"}
	require.NoError(t, config.ValidateConfig(eff))
	paths, err := state.Init(dir)
	require.NoError(t, err)
	a, err := New(context.Background(), eff, paths, BuildInfo{Version: "test"})
	require.NoError(t, err)
	return a
}

func call(h fasthttp.RequestHandler, method, uri, body string) (int, map[string]any) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	ctx.Request.SetBodyString(body)
	h(ctx)
	var out map[string]any
	_ = json.Unmarshal(ctx.Response.Body(), &out)
	return ctx.Response.StatusCode(), out
}

func exercise(t *testing.T, a *App) {
	t.Helper()
	h := a.Handler()

	code, _ := call(h, "GET", "/readyz", "")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, code)

	a.Start(context.Background())
	code, _ = call(h, "GET", "/readyz", "")
	assert.Equal(t, fasthttp.StatusOK, code)

	code, out := call(h, "POST", "/v1/conversations/c1/messages", `{"sender_id":"alice","participant_ids":["bob"],"body":"hello"}`)
	require.Equal(t, fasthttp.StatusCreated, code, out)
	assert.Equal(t, "completed", out["state"])

	code, out = call(h, "GET", "/v1/users/bob/conversations", "")
	require.Equal(t, fasthttp.StatusOK, code)
	require.Len(t, out["conversations"], 1)

	code, out = call(h, "GET", "/v1/conversations/c1/messages", "")
	require.Equal(t, fasthttp.StatusOK, code)
	require.Len(t, out["messages"], 1)

	rep, err := a.compaction.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Users)

	require.NoError(t, a.Shutdown(context.Background()))
}

func TestAppOverPebble(t *testing.T) {
	exercise(t, newApp(t, nil))
}

func TestAppOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	exercise(t, newApp(t, func(c *config.Config) {
		c.Storage.Backend = "redis"
		c.Storage.Redis.URL = "redis://" + mr.Addr()
	}))
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newApp(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	require.Eventually(t, a.ready.Load, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestNewRejectsUnreachableRedis(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Server.DBPath = dir
	cfg.Storage.Backend = "redis"
	cfg.Storage.Redis.URL = "redis://127.0.0.1:1"
	eff := config.EffectiveConfigResult{Config: cfg, Addr: "127.0.0.1:0", DBPath: dir}
	require.NoError(t, config.ValidateConfig(eff))
	_, err := New(context.Background(), eff, state.PathsFor(dir), BuildInfo{})
	assert.Error(t, err)
}

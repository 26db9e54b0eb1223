package app

import (
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/valyala/fasthttp"

	"convodb/pkg/api"
	"convodb/pkg/api/handlers"
	"convodb/pkg/logger"
)

// Handler is the full HTTP surface: API routes, health, metrics and rate
// limiting.
func (a *App) Handler() fasthttp.RequestHandler {
	cfg := a.eff.Config
	h := handlers.New(handlers.Deps{
		Sender:       a.coord,
		Messages:     a.log,
		Inbox:        a.index,
		Backend:      a.backend,
		DefaultLimit: cfg.Messages.DefaultLimit,
		MaxLimit:     cfg.Messages.MaxLimit,
		Ready:        a.ready.Load,
	})
	return api.Handler(h, a.limiter)
}

// startHTTP starts the fasthttp server and returns a channel that delivers
// its terminal error.
func (a *App) startHTTP() <-chan error {
	const (
		readBufferSize       = 64 * 1024
		readTimeout          = 10 * time.Second
		writeTimeout         = 10 * time.Second
		idleTimeout          = 30 * time.Second
		maxKeepaliveDuration = 2 * time.Minute
	)
	a.srvFast = &fasthttp.Server{
		Name:                 "convodb",
		Handler:              a.Handler(),
		ReadBufferSize:       readBufferSize,
		MaxRequestBodySize:   int(a.eff.Config.Server.MaxRequestBody.Int64()),
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		MaxKeepaliveDuration: maxKeepaliveDuration,
	}

	errCh := make(chan error, 1)
	ln, err := net.Listen("tcp", a.eff.Addr)
	if err != nil {
		errCh <- err
		return errCh
	}
	logger.Info("http_listening", "addr", ln.Addr().String())
	go func() {
		errCh <- a.srvFast.Serve(ln)
	}()
	return errCh
}

func (a *App) printBanner() {
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	if a.commit != "" && a.commit != "none" {
		ver += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		ver += " @ " + a.buildDate
	}
	logger.Info("convodb_starting", "version", ver, "addr", a.eff.Addr, "db_path", a.eff.DBPath,
		"backend", a.eff.Config.Storage.Backend, "config_source", a.eff.Source)
}

// logDurabilitySummary states what a crash can lose under the current
// settings.
func (a *App) logDurabilitySummary() {
	cfg := a.eff.Config
	c := cfg.Storage.Consistency
	items := []any{
		"backend", cfg.Storage.Backend,
		"messages_consistency", c.Messages,
		"index_consistency", c.Index,
		"retries_consistency", c.Retries,
		"fanout_timeout", cfg.Coordinator.FanoutTimeout.Duration().String(),
		"retry_capacity", humanize.Comma(int64(cfg.Retry.Capacity)),
		"max_body", cfg.Messages.MaxBodyBytes.String(),
	}
	if a.pebble != nil {
		items = append(items, "disk_usage", humanize.IBytes(a.pebble.DiskUsage()))
	}
	if cfg.Storage.DisableWAL {
		logger.Warn("config_durability_summary", append(items, "risk", "pebble WAL disabled: acknowledged sends may be lost on crash")...)
		return
	}
	logger.Info("config_durability_summary", items...)
}

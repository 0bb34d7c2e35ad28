package health

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"lv-paperdesk/internal/clock"
	"lv-paperdesk/internal/httputil"
)

// Pinger reports whether the backing store is reachable. The in-memory
// store has none.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TickStatus reports when the tick loop last completed.
type TickStatus interface {
	LastTick() time.Time
}

type Handler struct {
	db          Pinger
	ticks       TickStatus
	clock       clock.Clock
	startedAt   time.Time
	storeDriver string
	httpAddr    string
	// maxTickAge marks the service degraded when no tick completed within it.
	maxTickAge time.Duration
}

func NewHandler(db Pinger, ticks TickStatus, clk clock.Clock, storeDriver, httpAddr string, maxTickAge time.Duration) *Handler {
	return &Handler{
		db:          db,
		ticks:       ticks,
		clock:       clk,
		startedAt:   clk.Now(),
		storeDriver: strings.TrimSpace(storeDriver),
		httpAddr:    strings.TrimSpace(httpAddr),
		maxTickAge:  maxTickAge,
	}
}

type liveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	UptimeSec int64  `json:"uptime_sec"`
	Uptime    string `json:"uptime"`
}

type readinessResponse struct {
	Status    string        `json:"status"`
	Timestamp string        `json:"timestamp"`
	UptimeSec int64         `json:"uptime_sec"`
	Store     storeStats    `json:"store"`
	Ticker    tickerStats   `json:"ticker"`
	Runtime   *runtimeStats `json:"runtime,omitempty"`
	Build     *buildStats   `json:"build,omitempty"`
}

type storeStats struct {
	Driver    string `json:"driver"`
	Reachable bool   `json:"reachable"`
	PingMs    int64  `json:"ping_ms"`
	Error     string `json:"error,omitempty"`
}

type tickerStats struct {
	LastTick string `json:"last_tick,omitempty"`
	AgeMs    int64  `json:"age_ms"`
	Healthy  bool   `json:"healthy"`
}

type runtimeStats struct {
	GoVersion      string `json:"go_version"`
	Goroutines     int    `json:"goroutines"`
	GoMaxProcs     int    `json:"gomaxprocs"`
	PID            int    `json:"pid"`
	Hostname       string `json:"hostname"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	SysBytes       uint64 `json:"sys_bytes"`
	NumGC          uint32 `json:"num_gc"`
	HTTPAddr       string `json:"http_addr"`
}

type buildStats struct {
	MainPath string `json:"main_path"`
	Version  string `json:"version"`
}

func (h *Handler) uptime(now time.Time) time.Duration {
	uptime := now.Sub(h.startedAt)
	if uptime < 0 {
		return 0
	}
	return uptime
}

func (h *Handler) collectStore(ctx context.Context) storeStats {
	st := storeStats{Driver: h.storeDriver, Reachable: true}
	if h.db == nil {
		return st
	}
	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	err := h.db.Ping(pingCtx)
	cancel()
	st.PingMs = time.Since(start).Milliseconds()
	if err != nil {
		st.Reachable = false
		st.Error = err.Error()
	}
	return st
}

func (h *Handler) collectTicker(now time.Time) tickerStats {
	ts := tickerStats{Healthy: true}
	if h.ticks == nil {
		return ts
	}
	last := h.ticks.LastTick()
	if last.IsZero() {
		// Nothing ran yet; only unhealthy once the grace period passed.
		ts.Healthy = h.maxTickAge <= 0 || h.uptime(now) <= h.maxTickAge
		return ts
	}
	age := now.Sub(last)
	ts.LastTick = last.Format(time.RFC3339Nano)
	ts.AgeMs = age.Milliseconds()
	ts.Healthy = h.maxTickAge <= 0 || age <= h.maxTickAge
	return ts
}

// Live does not touch any dependency.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now()
	uptime := h.uptime(now)
	httputil.WriteJSON(w, http.StatusOK, liveResponse{
		Status:    "ok",
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(uptime.Seconds()),
		Uptime:    uptime.String(),
	})
}

// Ready returns 503 when the store is unreachable or ticks stopped.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	h.write(w, h.readiness(r.Context()))
}

// Full adds process diagnostics. It is mounted behind the operator guard.
func (h *Handler) Full(w http.ResponseWriter, r *http.Request) {
	resp := h.readiness(r.Context())
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	host, _ := os.Hostname()
	resp.Runtime = &runtimeStats{
		GoVersion:      runtime.Version(),
		Goroutines:     runtime.NumGoroutine(),
		GoMaxProcs:     runtime.GOMAXPROCS(0),
		PID:            os.Getpid(),
		Hostname:       host,
		HeapAllocBytes: mem.HeapAlloc,
		SysBytes:       mem.Sys,
		NumGC:          mem.NumGC,
		HTTPAddr:       h.httpAddr,
	}
	build := &buildStats{}
	if info, ok := debug.ReadBuildInfo(); ok && info != nil {
		build.MainPath = strings.TrimSpace(info.Main.Path)
		build.Version = strings.TrimSpace(info.Main.Version)
	}
	resp.Build = build
	h.write(w, resp)
}

func (h *Handler) readiness(ctx context.Context) readinessResponse {
	now := h.clock.Now()
	resp := readinessResponse{
		Status:    "ok",
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(h.uptime(now).Seconds()),
		Store:     h.collectStore(ctx),
		Ticker:    h.collectTicker(now),
	}
	if !resp.Store.Reachable || !resp.Ticker.Healthy {
		resp.Status = "degraded"
	}
	return resp
}

func (h *Handler) write(w http.ResponseWriter, resp readinessResponse) {
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}

// Package memgovernor implements the process-wide memory pressure watchdog.
// It samples heap usage on a fixed interval and, as usage climbs, asks every
// registered client to shed memory: first by trimming its frame queue, then
// by dropping it entirely and restarting its screencast at a degraded
// quality profile. It never looks inside a Session or StreamPump directly -
// clients register themselves through the small Client interface so tests
// can substitute fakes instead of driving a real browser.
package memgovernor

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultCleanupPercent is the heapUsedPercent at which frame queues
	// are trimmed and a GC may be requested.
	DefaultCleanupPercent = 85.0
	// DefaultEmergencyPercent is the heapUsedPercent at which frame queues
	// are dropped entirely and screencasts are restarted at reduced quality.
	DefaultEmergencyPercent = 95.0
	// minGCInterval is the minimum time between governor-requested GCs during
	// a cleanup cycle, to avoid GC-storming under sustained pressure.
	minGCInterval = 30 * time.Second

	// DegradedQuality, DegradedMaxWidth, DegradedMaxHeight, and
	// DegradedEveryNthFrame are the screencast parameters sessions are
	// restarted with under emergency memory pressure.
	DegradedQuality       = 30
	DegradedMaxWidth      = 1024
	DegradedMaxHeight     = 768
	DegradedEveryNthFrame = 2
)

// Client is implemented by anything the governor can ask to shed memory.
// SessionManager-owned sessions and their StreamPumps satisfy this via a
// small adapter in the gateway package.
type Client interface {
	ClientID() string
	// TrimFrameQueue keeps only the keep most recent queued frames.
	TrimFrameQueue(keep int)
	// DropFrameQueue discards every queued frame immediately.
	DropFrameQueue()
	// DegradeScreencast stops and restarts the client's screencast at the
	// given quality profile. Errors are logged by the implementation and
	// never propagated - a failure to degrade must not abort the sweep
	// over other clients.
	DegradeScreencast(quality, maxWidth, maxHeight, everyNthFrame int)
}

// Governor is the process-wide memory pressure singleton. Callers construct
// one explicitly at boot and pass it by reference rather than relying on an
// implicit ambient instance, so tests can build their own Governor and
// register fake clients with it.
type Governor struct {
	mu          sync.Mutex
	clients     map[string]Client
	maxBytes    uint64
	interval    time.Duration
	cleanupAt   float64
	emergencyAt float64
	lastCleanGC time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a Governor that samples every interval and treats heapLimitMB
// megabytes as 100% heap usage for threshold purposes. cleanupPercent and
// emergencyPercent are the heapUsedPercent values the two pressure tiers
// trigger at; values <= 0 fall back to the defaults.
func New(heapLimitMB int, interval time.Duration, cleanupPercent, emergencyPercent float64) *Governor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if cleanupPercent <= 0 {
		cleanupPercent = DefaultCleanupPercent
	}
	if emergencyPercent <= 0 {
		emergencyPercent = DefaultEmergencyPercent
	}
	return &Governor{
		clients:     make(map[string]Client),
		maxBytes:    uint64(heapLimitMB) * 1024 * 1024,
		interval:    interval,
		cleanupAt:   cleanupPercent,
		emergencyAt: emergencyPercent,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the sampling loop. Call once at process boot.
func (g *Governor) Start() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.sampleLoop()
	}()
	log.Info().
		Dur("interval", g.interval).
		Uint64("heap_limit_bytes", g.maxBytes).
		Msg("memory governor started")
}

// Register adds a client the governor may ask to shed memory. Safe to call
// concurrently with the sampling loop.
func (g *Governor) Register(c Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[c.ClientID()] = c
}

// ClearClient removes a client from tracking, typically called on client
// disconnect so the governor never holds a reference past the client's
// lifetime.
func (g *Governor) ClearClient(clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, clientID)
}

// Shutdown stops the sampling loop and waits for it to exit. Safe to call
// multiple times.
func (g *Governor) Shutdown() {
	g.once.Do(func() {
		close(g.stopCh)
	})
	g.wg.Wait()
}

func (g *Governor) sampleLoop() {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			log.Debug().Msg("memory governor stopping")
			return
		case <-ticker.C:
			g.sampleOnce()
		}
	}
}

func (g *Governor) sampleOnce() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	// With no configured ceiling, the memory the runtime has obtained from
	// the OS serves as the 100% mark.
	limit := g.maxBytes
	if limit == 0 {
		limit = m.Sys
	}

	var percent float64
	if limit > 0 {
		percent = float64(m.HeapAlloc) / float64(limit) * 100
	}

	log.Debug().
		Uint64("heap_alloc_mb", m.HeapAlloc/1024/1024).
		Float64("heap_used_percent", percent).
		Msg("memory governor sample")

	switch {
	case percent >= g.emergencyAt:
		g.emergency(percent)
	case percent >= g.cleanupAt:
		g.cleanup(percent)
	}
}

// cleanup trims every registered client's frame queue to its 2 most recent
// entries and, if a GC hasn't run in the last minGCInterval, requests one.
func (g *Governor) cleanup(percent float64) {
	log.Warn().Float64("heap_used_percent", percent).Msg("memory pressure: trimming frame queues")

	g.mu.Lock()
	clients := make([]Client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.TrimFrameQueue(2)
	}

	if time.Since(g.lastCleanGC) > minGCInterval {
		debug.FreeOSMemory()
		g.lastCleanGC = time.Now()
	}
}

// emergency drops every registered client's frame queue entirely and
// restarts each client's screencast at the degraded quality profile.
func (g *Governor) emergency(percent float64) {
	log.Error().Float64("heap_used_percent", percent).Msg("memory pressure: emergency - dropping frame queues and degrading screencasts")

	g.mu.Lock()
	clients := make([]Client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	debug.FreeOSMemory()
	g.lastCleanGC = time.Now()

	for _, c := range clients {
		c.DropFrameQueue()
		c.DegradeScreencast(DegradedQuality, DegradedMaxWidth, DegradedMaxHeight, DegradedEveryNthFrame)
	}
}

// RegisteredCount reports how many clients are currently tracked, used by
// the dashboard and tests.
func (g *Governor) RegisteredCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

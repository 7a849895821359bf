// Package session owns the per-client browser/page/CDP triple: creation,
// health probing, recovery, and teardown. It is the only package allowed to
// close a browser or page handle once that handle has been handed to a
// Session.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/browserstream-go/internal/browser"
	"github.com/Rorqualx/browserstream-go/internal/config"
	"github.com/Rorqualx/browserstream-go/internal/types"
)

// aboutBlackURL is navigated to right after page creation so the first
// screencast frame is solid black instead of whatever Chrome's default
// new-tab page renders.
const aboutBlackURL = `data:text/html,<html><body style="background:#000;margin:0"></body></html>`

const probeTimeout = 5 * time.Second

// Session is the central per-client entity: one browser, one page, one CDP
// channel, plus the liveness bookkeeping the health probe and recovery flow
// need.
//
// Lock ordering: always acquire opMu before mu. opMu serializes
// MessageRouter operations against this session; mu guards the handle
// pointers themselves during recovery.
type Session struct {
	ClientID  string
	CreatedAt time.Time

	mu      sync.Mutex
	Browser *rod.Browser
	Page    *rod.Page
	CDP     *rod.Page // same underlying page as Page, held separately per the CDP-channel ownership distinction

	Viewport   browser.Viewport
	Screencast browser.ScreencastOptions

	lastActivityAt atomic.Int64
	healthFailures atomic.Int32
	isHealthy      atomic.Bool
	closing        atomic.Bool
	recovering     atomic.Bool

	cmpCleanup   func()
	crashCancel  func()
	healthCancel context.CancelFunc

	opMu sync.Mutex
}

// touch updates lastActivityAt to now.
func (s *Session) touch() {
	s.lastActivityAt.Store(time.Now().UnixNano())
}

// LastActivity returns the last recorded activity time.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivityAt.Load())
}

// IsHealthy reports the Session's derived health state.
func (s *Session) IsHealthy() bool {
	return s.isHealthy.Load()
}

// markUnhealthy flips isHealthy to false without touching healthFailures -
// used by the page-crash/disconnect hook, which is an immediate signal
// rather than a probe failure. A session already being torn down stays as
// it is so a deliberate close never reads as a failure needing recovery.
func (s *Session) markUnhealthy() {
	if s.closing.Load() {
		return
	}
	s.isHealthy.Store(false)
}

// MarkUnhealthy is the exported form of markUnhealthy, used by callers
// outside this package (the frame pump) that observe a CDP channel break
// directly instead of through the health-probe loop.
func (s *Session) MarkUnhealthy() {
	s.markUnhealthy()
}

// LockOperation/UnlockOperation serialize MessageRouter operations against
// this session's page so two inbound commands never race on the same tab.
func (s *Session) LockOperation() { s.opMu.Lock() }

// UnlockOperation releases the lock taken by LockOperation.
func (s *Session) UnlockOperation() { s.opMu.Unlock() }

// CurrentPage returns the session's page handle under lock, safe to call
// concurrently with Recover swapping it out.
func (s *Session) CurrentPage() *rod.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Page
}

// CurrentCDP returns the session's CDP channel under lock. Returns nil once
// cleanup has released the handles.
func (s *Session) CurrentCDP() *rod.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CDP
}

// CurrentViewport returns the session's recorded viewport under lock.
func (s *Session) CurrentViewport() browser.Viewport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Viewport
}

// ScreencastProfile returns the session's current screencast options under
// lock.
func (s *Session) ScreencastProfile() browser.ScreencastOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Screencast
}

func (s *Session) setScreencastProfile(opts browser.ScreencastOptions) {
	s.mu.Lock()
	s.Screencast = opts
	s.mu.Unlock()
}

// Manager owns the clientId -> *Session map and the background health-probe
// and stale-sweep goroutines.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	config   *config.Config
	driver   *browser.Driver

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager constructs a Manager and starts its stale-session sweep.
func NewManager(cfg *config.Config, driver *browser.Driver) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		config:   cfg,
		driver:   driver,
		stopCh:   make(chan struct{}),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.staleSweepLoop()
	}()

	log.Info().
		Dur("session_timeout", cfg.SessionTimeout).
		Dur("stale_sweep_interval", cfg.StaleSweepInterval).
		Msg("session manager initialized")

	return m
}

// Create launches a new browser-backed Session for clientID at the given
// viewport, retrying up to config.MaxSessionRetries times with a 1s*attempt
// backoff between attempts.
func (m *Manager) Create(ctx context.Context, clientID string, vp browser.Viewport) (*Session, error) {
	var lastErr error
	for attempt := 1; attempt <= m.config.MaxSessionRetries; attempt++ {
		sess, err := m.attemptCreate(ctx, clientID, vp)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		log.Warn().
			Str("client_id", clientID).
			Int("attempt", attempt).
			Int("max_attempts", m.config.MaxSessionRetries).
			Err(err).
			Msg("session create attempt failed")

		if attempt < m.config.MaxSessionRetries {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", types.ErrSessionCreateFailed, ctx.Err())
			}
		}
	}
	return nil, fmt.Errorf("%w: %v", types.ErrSessionCreateFailed, lastErr)
}

// attemptCreate performs one launch-page-CDP-register cycle with no retry
// of its own; Create wraps it with the backoff loop.
func (m *Manager) attemptCreate(ctx context.Context, clientID string, vp browser.Viewport) (*Session, error) {
	brow, err := m.driver.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	page, err := m.driver.NewPage(brow, vp)
	if err != nil {
		_ = brow.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}

	cmpCleanup, err := m.driver.BlockCMPRequests(ctx, page)
	if err != nil {
		log.Warn().Err(err).Str("client_id", clientID).Msg("failed to install CMP blocker, continuing without it")
		cmpCleanup = func() {}
	}

	if err := page.Context(ctx).Navigate(aboutBlackURL); err != nil {
		cmpCleanup()
		_ = page.Close()
		_ = brow.Close()
		return nil, fmt.Errorf("navigate to initial frame: %w", err)
	}

	if err := m.driver.NewCDP(page); err != nil {
		cmpCleanup()
		_ = page.Close()
		_ = brow.Close()
		return nil, fmt.Errorf("%w: %v", types.ErrCDPChannelBroken, err)
	}

	sess := &Session{
		ClientID:  clientID,
		CreatedAt: time.Now(),
		Browser:   brow,
		Page:      page,
		CDP:       page,
		Viewport:  vp,
		Screencast: browser.ScreencastOptions{
			Quality:       m.config.ScreencastQuality,
			MaxWidth:      m.config.ScreencastMaxWidth,
			MaxHeight:     m.config.ScreencastMaxHeight,
			EveryNthFrame: m.config.ScreencastEveryNthFrame,
		},
		cmpCleanup: cmpCleanup,
	}
	sess.isHealthy.Store(true)
	sess.touch()

	m.driver.OnPageCrash(page, sess.markUnhealthy)
	m.driver.OnBrowserDisconnect(brow, sess.markUnhealthy)

	m.mu.Lock()
	m.sessions[clientID] = sess
	m.mu.Unlock()

	m.startHealthProbe(sess)

	log.Info().Str("client_id", clientID).Msg("session created")
	return sess, nil
}

// Get retrieves the Session for clientID, refreshing its activity timestamp
// and synchronously recovering it first if it is currently unhealthy.
func (m *Manager) Get(ctx context.Context, clientID string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[clientID]
	m.mu.RUnlock()
	if !ok {
		return nil, types.ErrSessionNotFound
	}

	if !sess.IsHealthy() {
		recovered, err := m.Recover(ctx, clientID)
		if err != nil {
			return nil, err
		}
		recovered.touch()
		return recovered, nil
	}

	sess.touch()
	return sess, nil
}

// StartScreencast enables the Page domain (idempotent) and starts streaming
// frames at the session's current screencast profile.
func (m *Manager) StartScreencast(sess *Session) error {
	cdp := sess.CurrentCDP()
	if cdp == nil {
		return types.ErrSessionPageNil
	}
	if err := m.driver.NewCDP(cdp); err != nil {
		return fmt.Errorf("%w: %v", types.ErrCDPChannelBroken, err)
	}
	return m.driver.StartScreencast(cdp, sess.ScreencastProfile())
}

// UpdateViewport resizes the page's CSS viewport and restarts the
// screencast at the new dimensions, recording the new viewport on the
// Session.
func (m *Manager) UpdateViewport(sess *Session, width, height int) error {
	page := sess.CurrentPage()
	cdp := sess.CurrentCDP()
	if page == nil || cdp == nil {
		return types.ErrSessionPageNil
	}

	if err := m.driver.StopScreencast(cdp); err != nil {
		log.Debug().Err(err).Msg("stop screencast before viewport update returned an error, ignoring")
	}

	if err := browser.SetViewport(page, width, height); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}
	sess.mu.Lock()
	sess.Viewport = browser.Viewport{Width: width, Height: height}
	sess.mu.Unlock()

	return m.driver.StartScreencast(cdp, sess.ScreencastProfile())
}

// DegradeScreencast restarts sess's screencast at the given quality
// profile. The gateway's memgovernor.Client adapter calls it under emergency
// memory pressure.
func (s *Session) DegradeScreencast(m *Manager, quality, maxWidth, maxHeight, everyNthFrame int) {
	s.setScreencastProfile(browser.ScreencastOptions{
		Quality:       quality,
		MaxWidth:      maxWidth,
		MaxHeight:     maxHeight,
		EveryNthFrame: everyNthFrame,
	})
	cdp := s.CurrentCDP()
	if cdp == nil {
		return
	}
	if err := m.driver.StopScreencast(cdp); err != nil {
		log.Debug().Err(err).Str("client_id", s.ClientID).Msg("stop screencast during degrade returned an error, ignoring")
	}
	if err := m.driver.StartScreencast(cdp, s.ScreencastProfile()); err != nil {
		log.Warn().Err(err).Str("client_id", s.ClientID).Msg("failed to restart degraded screencast")
	}
}

// Cleanup stops the session's health probe and closes its page and browser,
// swallowing all close errors (they are logged, never propagated). When
// removeFromMap is true the Session is also deleted from the map.
func (m *Manager) Cleanup(clientID string, removeFromMap bool) {
	m.mu.Lock()
	sess, ok := m.sessions[clientID]
	if ok && removeFromMap {
		delete(m.sessions, clientID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.cleanupHandles(sess)
}

// cleanupHandles does the actual teardown work shared by Cleanup, Recover,
// and CleanupAll.
func (m *Manager) cleanupHandles(sess *Session) {
	sess.closing.Store(true)

	if sess.healthCancel != nil {
		sess.healthCancel()
	}
	if sess.crashCancel != nil {
		sess.crashCancel()
	}
	if sess.cmpCleanup != nil {
		sess.cmpCleanup()
	}

	sess.mu.Lock()
	page := sess.Page
	cdp := sess.CDP
	brow := sess.Browser
	sess.Page = nil
	sess.CDP = nil
	sess.Browser = nil
	sess.mu.Unlock()

	if cdp != nil {
		if err := m.driver.StopScreencast(cdp); err != nil {
			log.Debug().Err(err).Str("client_id", sess.ClientID).Msg("stop screencast during cleanup returned an error, ignoring")
		}
	}

	if page != nil {
		if err := page.Close(); err != nil {
			log.Debug().Err(err).Str("client_id", sess.ClientID).Msg("error closing page during cleanup")
		}
	}
	if brow != nil {
		if err := brow.Close(); err != nil {
			log.Debug().Err(err).Str("client_id", sess.ClientID).Msg("error closing browser during cleanup")
		}
	}

	log.Info().
		Str("client_id", sess.ClientID).
		Dur("lifetime", time.Since(sess.CreatedAt)).
		Msg("session cleaned up")
}

// CleanupAll tears down every Session in parallel (bounded concurrency),
// used during graceful shutdown.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	if len(sessions) == 0 {
		return
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, s := range sessions {
		sess := s
		eg.Go(func() error {
			m.cleanupHandles(sess)
			return nil
		})
	}
	_ = eg.Wait()

	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Recover closes a Session's existing handles and replaces them with a
// freshly launched browser/page/CDP triple at the same viewport. On
// terminal failure the Session is removed from the map entirely.
//
// At most one recovery runs per session: the unhealthy session sits in the
// map for the full duration of the replacement browser launch, so a
// concurrent Get or health probe observing it would otherwise start a
// second create whose browser the first one orphans. Losers of the
// recovering flag short-circuit with ErrSessionUnavailable and pick up the
// replacement on their next call.
func (m *Manager) Recover(ctx context.Context, clientID string) (*Session, error) {
	m.mu.RLock()
	old, ok := m.sessions[clientID]
	m.mu.RUnlock()
	if !ok {
		return nil, types.ErrSessionNotFound
	}

	if !old.recovering.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: recovery already in progress", types.ErrSessionUnavailable)
	}

	vp := old.CurrentViewport()
	m.cleanupHandles(old)

	newSess, err := m.attemptCreate(ctx, clientID, vp)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, clientID)
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", types.ErrSessionUnavailable, err)
	}

	log.Info().Str("client_id", clientID).Msg("session recovered")
	return newSess, nil
}

// startHealthProbe launches the per-session health-probe goroutine. The
// goroutine exits either when cancelled (session cleanup) or when it
// triggers a recovery (the replacement Session gets its own probe).
func (m *Manager) startHealthProbe(sess *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	sess.healthCancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if sess.closing.Load() {
					return
				}
				if m.probeOnce(ctx, sess) {
					sess.healthFailures.Store(0)
					sess.isHealthy.Store(true)
					continue
				}

				failures := sess.healthFailures.Add(1)
				log.Debug().
					Str("client_id", sess.ClientID).
					Int32("failures", failures).
					Msg("health probe failed")

				if int(failures) >= m.config.MaxHealthCheckFailures {
					sess.isHealthy.Store(false)
					log.Warn().Str("client_id", sess.ClientID).Msg("session unhealthy, triggering recovery")
					go func() {
						if _, err := m.Recover(context.Background(), sess.ClientID); err != nil {
							log.Error().Err(err).Str("client_id", sess.ClientID).Msg("automatic recovery failed")
						}
					}()
					return
				}
			}
		}
	}()
}

// probeOnce runs the four-step liveness check described by the session
// manager's health-probe contract: CDP connectivity, page-level eval,
// raw-CDP eval. A killed local browser process closes its CDP socket too,
// so that failure mode surfaces through the same connectivity check rather
// than a separate process-handle inspection.
func (m *Manager) probeOnce(ctx context.Context, sess *Session) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	sess.mu.Lock()
	brow := sess.Browser
	page := sess.Page
	cdp := sess.CDP
	sess.mu.Unlock()

	if brow == nil || page == nil || cdp == nil {
		return false
	}

	// A killed or disconnected browser process can't create a target, so
	// this single check covers both "browser connected" and "process
	// alive" - the same connectivity probe the browser pool uses.
	probePage, err := brow.Context(probeCtx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return false
	}
	_ = probePage.Close()

	res := m.driver.Eval(page, "return true;")
	if !res.Success || res.Result != "true" {
		return false
	}

	if _, err := (proto.RuntimeEvaluate{Expression: "1+1", ReturnByValue: true}).Call(cdp); err != nil {
		return false
	}

	return true
}

// staleSweepLoop periodically removes sessions that have been idle past
// config.SessionTimeout.
func (m *Manager) staleSweepLoop() {
	ticker := time.NewTicker(m.config.StaleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepStale()
		}
	}
}

func (m *Manager) sweepStale() {
	now := time.Now()

	m.mu.Lock()
	var stale []*Session
	for id, sess := range m.sessions {
		if now.Sub(sess.LastActivity()) > m.config.SessionTimeout {
			stale = append(stale, sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, sess := range stale {
		m.cleanupHandles(sess)
		log.Info().Str("client_id", sess.ClientID).Msg("stale session swept")
	}
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns a snapshot of active session IDs, used by the dashboard.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

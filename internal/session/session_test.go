package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Rorqualx/browserstream-go/internal/browser"
	"github.com/Rorqualx/browserstream-go/internal/config"
	"github.com/Rorqualx/browserstream-go/internal/types"
)

// skipCI skips tests that require a real browser when tests run with -short.
func skipCI(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping browser test in short mode")
	}
}

func testConfig() *config.Config {
	return &config.Config{
		SessionTimeout:          1 * time.Second,
		StaleSweepInterval:      100 * time.Millisecond,
		MaxSessionRetries:       2,
		HealthCheckInterval:     500 * time.Millisecond,
		MaxHealthCheckFailures:  3,
		ScreencastQuality:       60,
		ScreencastMaxWidth:      1280,
		ScreencastMaxHeight:     1024,
		ScreencastEveryNthFrame: 2,
		Headless:                true,
		OpTimeout:               10 * time.Second,
	}
}

func TestNewManagerStartsEmpty(t *testing.T) {
	cfg := testConfig()
	d := browser.NewDriver(cfg, nil)
	m := NewManager(cfg, d)
	defer m.CleanupAll()

	if m.Count() != 0 {
		t.Errorf("expected 0 sessions, got %d", m.Count())
	}
	if len(m.List()) != 0 {
		t.Errorf("expected empty list, got %v", m.List())
	}
}

func TestManagerGetUnknownClient(t *testing.T) {
	cfg := testConfig()
	d := browser.NewDriver(cfg, nil)
	m := NewManager(cfg, d)
	defer m.CleanupAll()

	if _, err := m.Get(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected error for unknown client id")
	}
}

func TestManagerCleanupAllIsIdempotent(t *testing.T) {
	cfg := testConfig()
	d := browser.NewDriver(cfg, nil)
	m := NewManager(cfg, d)

	m.CleanupAll()
	m.CleanupAll()
}

func TestManagerCleanupUnknownClientIsNoop(t *testing.T) {
	cfg := testConfig()
	d := browser.NewDriver(cfg, nil)
	m := NewManager(cfg, d)
	defer m.CleanupAll()

	m.Cleanup("does-not-exist", true)
}

func TestRecoverShortCircuitsWhenAlreadyInProgress(t *testing.T) {
	cfg := testConfig()
	d := browser.NewDriver(cfg, nil)
	m := NewManager(cfg, d)
	defer m.CleanupAll()

	sess := &Session{ClientID: "c9"}
	sess.recovering.Store(true)
	m.mu.Lock()
	m.sessions["c9"] = sess
	m.mu.Unlock()

	_, err := m.Recover(context.Background(), "c9")
	if !errors.Is(err, types.ErrSessionUnavailable) {
		t.Fatalf("expected ErrSessionUnavailable while a recovery is in flight, got %v", err)
	}
}

func TestSessionTouchUpdatesLastActivity(t *testing.T) {
	s := &Session{ClientID: "c1"}
	before := time.Now().Add(-time.Hour)
	s.lastActivityAt.Store(before.UnixNano())

	s.touch()

	if !s.LastActivity().After(before) {
		t.Fatal("expected LastActivity to advance after touch")
	}
}

func TestSessionIsHealthyDefaultsFalse(t *testing.T) {
	s := &Session{ClientID: "c1"}
	if s.IsHealthy() {
		t.Fatal("expected a freshly constructed session to be unhealthy until marked")
	}
}

func TestSessionMarkUnhealthy(t *testing.T) {
	s := &Session{ClientID: "c1"}
	s.isHealthy.Store(true)

	s.markUnhealthy()

	if s.IsHealthy() {
		t.Fatal("expected session to be unhealthy after markUnhealthy")
	}
}

func TestSessionLockUnlockOperation(t *testing.T) {
	s := &Session{ClientID: "c1"}
	s.LockOperation()
	s.UnlockOperation()
}

// Integration tests that launch a real browser are gated behind skipCI.
func TestManagerCreateGetRecover(t *testing.T) {
	skipCI(t)

	cfg := testConfig()
	d := browser.NewDriver(cfg, nil)
	m := NewManager(cfg, d)
	defer m.CleanupAll()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := m.Create(ctx, "client-1", browser.Viewport{Width: 1024, Height: 768})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !sess.IsHealthy() {
		t.Fatal("expected newly created session to be healthy")
	}
	if m.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", m.Count())
	}

	got, err := m.Get(ctx, "client-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ClientID != "client-1" {
		t.Fatalf("expected client-1, got %s", got.ClientID)
	}

	recovered, err := m.Recover(ctx, "client-1")
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if recovered.Page == got.Page {
		t.Fatal("expected Recover to replace the page handle")
	}

	m.Cleanup("client-1", true)
	if m.Count() != 0 {
		t.Fatalf("expected 0 sessions after cleanup, got %d", m.Count())
	}
}

func TestManagerUpdateViewport(t *testing.T) {
	skipCI(t)

	cfg := testConfig()
	d := browser.NewDriver(cfg, nil)
	m := NewManager(cfg, d)
	defer m.CleanupAll()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := m.Create(ctx, "client-2", browser.Viewport{Width: 1024, Height: 768})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer m.Cleanup("client-2", true)

	if err := m.UpdateViewport(sess, 800, 600); err != nil {
		t.Fatalf("UpdateViewport failed: %v", err)
	}
	if vp := sess.CurrentViewport(); vp.Width != 800 || vp.Height != 600 {
		t.Fatalf("expected viewport 800x600, got %dx%d", vp.Width, vp.Height)
	}
}

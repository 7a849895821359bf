// Package cmpblock provides a hot-reloadable hostname blocklist for the
// consent-management-provider (CMP) request blocker. It carries the closed
// default list compiled into the binary but lets an operator override or
// extend it via an external YAML file without a restart.
package cmpblock

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// defaultHosts mirrors browser.BlockCMPRequests' built-in list so the
// blocker has sane behavior with no external file configured.
var defaultHosts = []string{
	"cookielaw.org",
	"onetrust.com",
	"cookiebot.com",
	"consensu.org",
	"quantcast.com",
	"trustarc.com",
	"cookieyes.com",
	"usercentrics.eu",
	"privacy-mgmt.com",
	"privacy-center.org",
}

// fileSchema is the external blocklist file's YAML shape.
type fileSchema struct {
	Hosts []string `yaml:"hosts"`
}

// ReloadStats reports hot-reload activity.
type ReloadStats struct {
	LastReloadTime time.Time
	ReloadCount    int64
	LastError      error
}

// List is a hot-reloadable hostname blocklist. Reads are lock-free via
// atomic.Value; IsBlocked is safe to call from the CDP request-paused
// callback on every intercepted request.
type List struct {
	externalPath string
	current      atomic.Value // []string

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	stats  ReloadStats
	closed bool
}

// New builds a List seeded with defaultHosts. If externalPath is non-empty
// it is loaded immediately (falling back to the defaults on error) and, if
// hotReload is true, watched for subsequent changes.
func New(externalPath string, hotReload bool) *List {
	l := &List{
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	l.current.Store(append([]string(nil), defaultHosts...))

	if externalPath == "" {
		return l
	}

	if err := l.reload(); err != nil {
		log.Warn().Err(err).Str("path", externalPath).Msg("failed to load CMP blocklist, using embedded defaults")
	}

	if hotReload {
		if err := l.startWatcher(); err != nil {
			log.Warn().Err(err).Str("path", externalPath).Msg("failed to start CMP blocklist watcher, hot-reload disabled")
		}
	}

	return l
}

// IsBlocked reports whether rawURL's host matches the current blocklist.
func (l *List) IsBlocked(rawURL string) bool {
	hosts := l.current.Load().([]string)
	lower := strings.ToLower(rawURL)
	for _, h := range hosts {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

// Hosts returns a snapshot of the active blocklist.
func (l *List) Hosts() []string {
	return append([]string(nil), l.current.Load().([]string)...)
}

// Stats returns hot-reload activity counters.
func (l *List) Stats() ReloadStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Close stops the file watcher. Safe to call multiple times, and safe to
// call on a List constructed with an empty externalPath.
func (l *List) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stopCh)
	l.wg.Wait()

	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

func (l *List) reload() error {
	data, err := os.ReadFile(l.externalPath)
	if err != nil {
		l.mu.Lock()
		l.stats.LastError = err
		l.mu.Unlock()
		return fmt.Errorf("read blocklist file: %w", err)
	}

	var schema fileSchema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		l.mu.Lock()
		l.stats.LastError = err
		l.mu.Unlock()
		return fmt.Errorf("parse blocklist file: %w", err)
	}

	merged := append([]string(nil), defaultHosts...)
	for _, h := range schema.Hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			merged = append(merged, h)
		}
	}
	l.current.Store(merged)

	l.mu.Lock()
	l.stats.LastReloadTime = time.Now()
	l.stats.ReloadCount++
	l.stats.LastError = nil
	l.mu.Unlock()

	log.Info().Int("hosts", len(merged)).Str("path", l.externalPath).Msg("CMP blocklist reloaded")
	return nil
}

func (l *List) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(l.externalPath); err != nil {
		watcher.Close()
		return fmt.Errorf("watch file: %w", err)
	}
	l.watcher = watcher

	l.wg.Add(1)
	go l.watchFile()
	return nil
}

func (l *List) watchFile() {
	defer l.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	var timer *time.Timer
	var debouncing bool

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debouncing {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceDelay)
				continue
			}
			debouncing = true
			timer = time.AfterFunc(debounceDelay, func() {
				if err := l.reload(); err != nil {
					log.Warn().Err(err).Str("path", l.externalPath).Msg("CMP blocklist hot-reload failed, keeping previous list")
				}
				debouncing = false
			})
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("CMP blocklist file watcher error")
		case <-l.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

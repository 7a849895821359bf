package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserstream-go/internal/config"
	"github.com/Rorqualx/browserstream-go/internal/types"
	"github.com/Rorqualx/browserstream-go/pkg/version"
)

// ScreencastOptions configures a CDP screencast session.
type ScreencastOptions struct {
	Quality       int
	MaxWidth      int
	MaxHeight     int
	EveryNthFrame int
}

// Viewport is a page's width and height in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// EvalResult is the outcome of evaluating an expression in page context.
// Result is JSON-encoded text, set only when Success is true.
type EvalResult struct {
	Success bool
	Result  string
	Error   string
}

// cmpBlockHosts is the closed list of consent-management-provider hostnames
// whose requests BlockCMPRequests aborts. Matching is by substring against
// the request URL.
var cmpBlockHosts = []string{
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

// CMPBlocklist supplies the set of consent-management-provider hostnames to
// block. Satisfied by *cmpblock.List; kept as a small interface here so this
// package never imports cmpblock directly.
type CMPBlocklist interface {
	IsBlocked(rawURL string) bool
}

// Driver is a thin façade over an external Chrome/Chromium instance reached
// either by local launch or by a remote CDP WebSocket endpoint. It never
// tracks per-client state itself - SessionManager owns the clientId -> Session
// map and calls through Driver for every browser-side operation.
type Driver struct {
	cfg       *config.Config
	blocklist CMPBlocklist
}

// NewDriver builds a Driver from the gateway's configuration. blocklist may
// be nil, in which case BlockCMPRequests falls back to its built-in default
// host list.
func NewDriver(cfg *config.Config, blocklist CMPBlocklist) *Driver {
	return &Driver{cfg: cfg, blocklist: blocklist}
}

// createLauncher builds the anti-detection launch flags shared by every
// locally spawned browser. Adapted from the pool's single-purpose launcher:
// the pre-warmed fixed-size pool is gone, but the flag set that keeps the
// browser indistinguishable from a real desktop Chrome is not.
func (d *Driver) createLauncher(proxyURL string) *launcher.Launcher {
	l := launcher.New()

	if d.cfg.BrowserPath != "" {
		l = l.Bin(d.cfg.BrowserPath)
	}

	if d.cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if proxyURL != "" {
		l = l.Set("proxy-server", proxyURL)
	}

	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")
	l = l.Set("disable-features", "Translate,TranslateUI,BlinkGenPropertyTrees,WebRtcHideLocalIpsWithMdns")
	l = l.Set("enable-features", "NetworkService,NetworkServiceInProcess")
	l = l.Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl").
		Set("enable-webgl2")

	if d.cfg.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors")
		l = l.Set("ignore-ssl-errors")
	}

	l = l.Set("accept-lang", "en-US,en;q=0.9")
	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen")
	l = l.Set("window-size", "1920,1080")
	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote").
		Set("safebrowsing-disable-auto-update")
	l = l.Set("js-flags", "--max-old-space-size=256").
		Set("disable-ipc-flooding-protection").
		Set("disable-renderer-backgrounding")
	l = l.Set("disable-gpu-sandbox")

	if isARM() {
		l = l.Set("disable-gpu-compositing")
	}

	return l
}

// isARM returns true if running on ARM architecture.
func isARM() bool {
	arch := runtime.GOARCH
	return arch == "arm" || arch == "arm64"
}

// Launch returns a connected browser, either by spawning a local process or
// by attaching to the configured remote CDP endpoint. The remote branch is
// config-driven so SessionManager never has to know which mode is active.
func (d *Driver) Launch(ctx context.Context) (*rod.Browser, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	if d.cfg.BrowserRemoteURL != "" {
		browser := rod.New().ControlURL(d.cfg.BrowserRemoteURL).Context(ctx)
		if err := browser.Connect(); err != nil {
			return nil, fmt.Errorf("failed to attach to remote browser: %w", err)
		}
		log.Debug().Str("remote_url", d.cfg.BrowserRemoteURL).Msg("attached to remote browser")
		return browser, nil
	}

	l := d.createLauncher(d.cfg.ProxyURL)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to launched browser: %w", err)
	}

	if d.cfg.IgnoreCertErrors {
		if err := browser.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("failed to set IgnoreCertErrors")
		}
	}

	log.Debug().Str("control_url", controlURL).Msg("browser launched")
	return browser, nil
}

// NewPage opens a page at the given viewport and applies the stealth init
// script. stealth.Page injects go-rod/stealth's baseline patches before the
// page's first script runs; ApplyStealthToPage layers the local
// toString/permissions/plugins patches on top.
func (d *Driver) NewPage(browser *rod.Browser, vp Viewport) (*rod.Page, error) {
	page, err := stealth.Page(browser)
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	if err := SetViewport(page, vp.Width, vp.Height); err != nil {
		log.Warn().Err(err).Msg("failed to set initial viewport")
	}

	if ua := d.realUserAgent(browser); ua != "" {
		if err := SetUserAgent(page, ua); err != nil {
			log.Warn().Err(err).Msg("failed to override user agent")
		}
	}

	if err := ApplyStealthToPage(page); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("failed to apply stealth script: %w", err)
	}

	return page, nil
}

// realUserAgent asks the browser for its own user agent via CDP and strips
// the HeadlessChrome marker. Using the browser's actual UA avoids the
// version-mismatch detection a hardcoded string would trip once the binary
// under it updates; the static version.UserAgent is only a fallback when
// the CDP call itself fails.
func (d *Driver) realUserAgent(browser *rod.Browser) string {
	result, err := proto.BrowserGetVersion{}.Call(browser)
	if err != nil {
		log.Debug().Err(err).Msg("could not read browser user agent, using fallback")
		return version.UserAgent
	}
	return strings.Replace(result.UserAgent, "HeadlessChrome", "Chrome", 1)
}

// OnBrowserDisconnect invokes onGone once the browser's CDP event stream
// closes, which happens when the process exits or the transport drops. The
// watcher goroutine exits with the stream, including on a normal Close.
func (d *Driver) OnBrowserDisconnect(browser *rod.Browser, onGone func()) {
	events := browser.Event()
	go func() {
		for range events {
		}
		onGone()
	}()
}

// OnPageCrash registers a callback invoked when the page's target crashes.
// The callback runs on its own goroutine which exits once the page is
// closed or the crash fires, whichever happens first.
func (d *Driver) OnPageCrash(page *rod.Page, onCrash func()) {
	go page.EachEvent(func(e *proto.InspectorTargetCrashed) bool {
		onCrash()
		return true
	})()
}

// NewCDP enables the Page domain on page, which every other CDP call in this
// package (screencast, eval, navigation waits) depends on having been
// called first.
func (d *Driver) NewCDP(page *rod.Page) error {
	return proto.PageEnable{}.Call(page)
}

// StartScreencast begins streaming JPEG frames for page per opts.
func (d *Driver) StartScreencast(page *rod.Page, opts ScreencastOptions) error {
	format := proto.PageStartScreencastFormatJpeg
	quality := opts.Quality
	maxWidth := opts.MaxWidth
	maxHeight := opts.MaxHeight
	everyNth := opts.EveryNthFrame
	return proto.PageStartScreencast{
		Format:        format,
		Quality:       &quality,
		MaxWidth:      &maxWidth,
		MaxHeight:     &maxHeight,
		EveryNthFrame: &everyNth,
	}.Call(page)
}

// StopScreencast halts an in-progress screencast. Safe to call even if no
// screencast is active; the CDP error is swallowed.
func (d *Driver) StopScreencast(page *rod.Page) error {
	if err := (proto.PageStopScreencast{}).Call(page); err != nil {
		log.Debug().Err(err).Msg("stop screencast returned an error, ignoring")
	}
	return nil
}

// Ack acknowledges a screencast frame. The CDP server withholds the next
// frame until this is sent, regardless of whether the frame reached the
// downstream client - callers must call this unconditionally.
func (d *Driver) Ack(page *rod.Page, sessionID int) error {
	return proto.PageScreencastFrameAck{SessionID: sessionID}.Call(page)
}

// OnFrame subscribes to screencast frames until the page closes or the
// returned cancel function is called.
func (d *Driver) OnFrame(ctx context.Context, page *rod.Page, handler func(*proto.PageScreencastFrame)) (cancel func()) {
	listenerCtx, cancelFn := context.WithCancel(ctx)
	pageWithCtx := page.Context(listenerCtx)

	go pageWithCtx.EachEvent(func(e *proto.PageScreencastFrame) bool {
		select {
		case <-listenerCtx.Done():
			return true
		default:
		}
		handler(e)
		return false
	})()

	return cancelFn
}

// Eval evaluates expr as a JavaScript function body in page's context and
// JSON-encodes the result.
func (d *Driver) Eval(page *rod.Page, expr string) EvalResult {
	res, err := proto.RuntimeEvaluate{
		Expression:    wrapEvalExpression(expr),
		ReturnByValue: true,
	}.Call(page)
	if err != nil {
		return EvalResult{Success: false, Error: err.Error()}
	}
	if res.ExceptionDetails != nil {
		return EvalResult{Success: false, Error: (&rod.EvalError{RuntimeExceptionDetails: res.ExceptionDetails}).Error()}
	}
	if res.Result == nil || res.Result.Value.Nil() {
		return EvalResult{Success: true, Result: "null"}
	}
	return EvalResult{Success: true, Result: res.Result.Value.JSON("", "")}
}

// wrapEvalExpression wraps expr so it runs as a function body, matching the
// "evaluates a string as a function body" contract rather than a bare
// expression.
func wrapEvalExpression(expr string) string {
	return fmt.Sprintf("(function(){ %s })()", expr)
}

// NavigateOptions configures Navigate's two-strategy timeout fallback.
type NavigateOptions struct {
	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration
}

// Navigate loads url in page. It first waits for the page to reach a stable
// network-idle-like state within PrimaryTimeout; on failure it retries once,
// settling for a dom-content-loaded state within FallbackTimeout. A missing
// scheme is prepended with https://.
func (d *Driver) Navigate(ctx context.Context, page *rod.Page, rawURL string, opts NavigateOptions) (finalURL string, err error) {
	finalURL = rawURL
	if !strings.Contains(rawURL, "://") {
		finalURL = "https://" + rawURL
	}

	pageCtx := page.Context(ctx)

	if err := pageCtx.Timeout(opts.PrimaryTimeout).Navigate(finalURL); err != nil {
		log.Debug().Str("url", finalURL).Err(err).Msg("navigate: primary attempt failed, retrying once with domcontentloaded")
		fallbackCtx := pageCtx.Timeout(opts.FallbackTimeout)
		if err := fallbackCtx.Navigate(finalURL); err != nil {
			return finalURL, fmt.Errorf("%w: %v", types.ErrNavFailed, err)
		}
		if err := fallbackCtx.WaitDOMStable(200*time.Millisecond, 0); err != nil {
			return finalURL, fmt.Errorf("%w: %v", types.ErrNavFailed, err)
		}
		return finalURL, nil
	}

	waitErr := pageCtx.Timeout(opts.PrimaryTimeout).WaitStable(300 * time.Millisecond)
	if waitErr == nil {
		return finalURL, nil
	}

	log.Debug().Str("url", finalURL).Err(waitErr).Msg("navigate: networkidle0 strategy timed out, falling back to domcontentloaded")

	if err := pageCtx.Timeout(opts.FallbackTimeout).WaitDOMStable(200*time.Millisecond, 0); err != nil {
		return finalURL, fmt.Errorf("%w: %v", types.ErrNavFailed, err)
	}

	return finalURL, nil
}

// Click issues a left mouse click at the given page coordinates.
func (d *Driver) Click(page *rod.Page, x, y float64) error {
	if err := page.Mouse.MoveTo(proto.NewPoint(x, y)); err != nil {
		return err
	}
	return page.Mouse.Click(proto.InputMouseButtonLeft, 1)
}

// Scroll scrolls the page by deltaY pixels via an injected window.scrollBy.
func (d *Driver) Scroll(page *rod.Page, deltaY float64) error {
	res := d.Eval(page, fmt.Sprintf("window.scrollBy(0, %f); return true;", deltaY))
	if !res.Success {
		return fmt.Errorf("scroll eval failed: %s", res.Error)
	}
	return nil
}

// Hover moves the mouse to the given coordinates without clicking.
func (d *Driver) Hover(page *rod.Page, x, y float64) error {
	return page.Mouse.MoveTo(proto.NewPoint(x, y))
}

// typeCharDelay is the pause between synthesized keystrokes, slow enough to
// look like a human typing rather than a paste.
const typeCharDelay = 50 * time.Millisecond

// Type sends text as a sequence of keystrokes, one character at a time with
// typeCharDelay between them.
func (d *Driver) Type(ctx context.Context, page *rod.Page, text string) error {
	for _, r := range text {
		if err := page.InsertText(string(r)); err != nil {
			return fmt.Errorf("failed to type character: %w", err)
		}
		select {
		case <-time.After(typeCharDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Screenshot captures the page as a base64-encoded JPEG.
func (d *Driver) Screenshot(page *rod.Page, quality int) (string, error) {
	q := quality
	data, err := page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &q,
	})
	if err != nil {
		return "", fmt.Errorf("screenshot failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// svgTagRe strips inline <svg>...</svg> blocks from Content's output; they
// are frequently huge and never needed by a caller inspecting page markup.
var svgTagRe = regexp.MustCompile(`(?is)<svg.*?</svg>`)

// Content returns the page's current HTML with inline SVG blocks stripped.
func (d *Driver) Content(page *rod.Page) (string, error) {
	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	return svgTagRe.ReplaceAllString(html, ""), nil
}

// BlockCMPRequests installs CDP Fetch-domain interception that fails any
// request whose host matches the driver's cmpblock list (cmpBlockHosts when
// the driver has no list), leaving everything else untouched. Interception errors are logged and swallowed - a blocking bug
// here must never take the page down with it.
func (d *Driver) BlockCMPRequests(ctx context.Context, page *rod.Page) (cleanup func(), err error) {
	proxy := d.proxyConfig()

	if enableErr := (proto.FetchEnable{
		Patterns:           []*proto.FetchRequestPattern{{URLPattern: "*"}},
		HandleAuthRequests: proxy.NeedsAuth(),
	}).Call(page); enableErr != nil {
		log.Warn().Err(enableErr).Msg("failed to enable CMP request blocking")
		return func() {}, nil
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pageWithCtx := page.Context(listenerCtx)

	var wg sync.WaitGroup
	var once sync.Once
	cleanupFunc := func() {
		once.Do(func() {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				log.Warn().Msg("timeout waiting for CMP blocker listeners to clean up")
			}
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.TargetTargetDestroyed) bool {
			cleanupFunc()
			return true
		})()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.FetchRequestPaused) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			if d.isCMPHost(e.Request.URL) {
				_ = proto.FetchFailRequest{
					RequestID:   e.RequestID,
					ErrorReason: proto.NetworkErrorReasonBlockedByClient,
				}.Call(page)
			} else {
				_ = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(page)
			}
			return false
		})()
	}()

	if proxy.NeedsAuth() {
		listenProxyAuth(listenerCtx, pageWithCtx, page, proxy, &wg)
	}

	return cleanupFunc, nil
}

// isCMPHost reports whether rawURL's host matches a known consent-management
// provider, preferring the Driver's hot-reloadable blocklist when one is
// configured and falling back to the closed default list otherwise.
func (d *Driver) isCMPHost(rawURL string) bool {
	if d.blocklist != nil {
		return d.blocklist.IsBlocked(rawURL)
	}
	lower := strings.ToLower(rawURL)
	for _, host := range cmpBlockHosts {
		if strings.Contains(lower, host) {
			return true
		}
	}
	return false
}

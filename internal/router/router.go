// Package router dispatches decoded inbound client messages to the
// BrowserDriver operation they name, wrapping each in OperationFabric's
// timeout/retry primitives and translating the outcome into the matching
// outbound envelope.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserstream-go/internal/browser"
	"github.com/Rorqualx/browserstream-go/internal/config"
	"github.com/Rorqualx/browserstream-go/internal/fabric"
	"github.com/Rorqualx/browserstream-go/internal/security"
	"github.com/Rorqualx/browserstream-go/internal/session"
	"github.com/Rorqualx/browserstream-go/internal/types"
)

const (
	clickRetries  = 2
	clickTimeout  = 5 * time.Second
	hoverRetries  = 1
	hoverTimeout  = 5 * time.Second
	scrollTimeout = 3 * time.Second

	defaultOpTimeout = 10 * time.Second
)

// Router dispatches one client's inbound messages against its Session. One
// Router is shared across clients; the Session carrying per-client state is
// passed into every call. The breaker guards the expensive browser-side
// operations so a wedged browser fails fast instead of queueing commands.
type Router struct {
	cfg     *config.Config
	driver  *browser.Driver
	sessMgr *session.Manager
	breaker *fabric.CircuitBreaker
}

// New builds a Router bound to cfg, driver, and the SessionManager that
// owns viewport updates.
func New(cfg *config.Config, driver *browser.Driver, sessMgr *session.Manager) *Router {
	return &Router{
		cfg:     cfg,
		driver:  driver,
		sessMgr: sessMgr,
		breaker: fabric.NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitResetAfter),
	}
}

func (r *Router) opTimeout() time.Duration {
	if r.cfg.OpTimeout > 0 {
		return r.cfg.OpTimeout
	}
	return defaultOpTimeout
}

// Dispatch decodes raw as an InboundMessage and routes it against sess,
// returning the outbound envelope to send back. It never panics or
// propagates an error from a handler - any failure inside a handler is
// converted into an {status:"error"} reply, per the closed-dispatch
// contract every command here is held to.
func (r *Router) Dispatch(ctx context.Context, sess *session.Session, raw []byte) (out types.OutboundMessage) {
	var msg types.InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return types.NewErrorMessage("bad_message", "could not decode message", false)
	}

	if msg.Type == types.CmdHeartbeat {
		return types.OutboundMessage{Type: types.MsgHeartbeat, Timestamp: time.Now().UnixNano() / int64(time.Millisecond)}
	}

	if sess == nil {
		return types.OutboundMessage{Type: msg.Type, Status: types.StatusError, Error: types.ErrSessionUnavailable.Error(), Recoverable: true}
	}

	sess.LockOperation()
	defer sess.UnlockOperation()

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("type", msg.Type).Msg("router: recovered from panic in handler")
			out = types.OutboundMessage{Type: msg.Type, Status: types.StatusError, Error: fmt.Sprintf("internal error: %v", p), Recoverable: true}
		}
	}()

	switch msg.Type {
	case types.CmdNavigate:
		return r.handleNavigate(ctx, sess, msg)
	case types.CmdClick:
		return r.handleClick(ctx, sess, msg)
	case types.CmdScroll:
		return r.handleScroll(ctx, sess, msg)
	case types.CmdHover:
		return r.handleHover(ctx, sess, msg)
	case types.CmdType:
		return r.handleType(ctx, sess, msg)
	case types.CmdEvaluate:
		return r.handleEvaluate(ctx, sess, msg)
	case types.CmdScreenshotAndHTML:
		return r.handleScreenshotAndHTML(ctx, sess)
	case types.CmdSetViewport:
		return r.handleSetViewport(ctx, sess, msg)
	default:
		return types.NewUnknownTypeMessage(msg.Type)
	}
}

func (r *Router) handleNavigate(ctx context.Context, sess *session.Session, msg types.InboundMessage) types.OutboundMessage {
	if err := security.ValidateURLWithContext(ctx, msg.URL); err != nil {
		return types.OutboundMessage{Type: types.MsgNavigation, Status: types.StatusError, Error: err.Error(), Recoverable: true}
	}

	policy := fabric.RetryPolicy{
		Retries: r.cfg.NavRetries,
		Backoff: r.cfg.NavBackoff,
		Timeout: r.cfg.NavPrimaryTimeout + r.cfg.NavFallbackTimeout,
		Label:   "navigate",
	}

	result, err := r.breaker.Execute(func(opCtx context.Context) (any, error) {
		return fabric.WithRetry(opCtx, policy, func(attemptCtx context.Context) (any, error) {
			page := sess.CurrentPage()
			return r.driver.Navigate(attemptCtx, page, msg.URL, browser.NavigateOptions{
				PrimaryTimeout:  r.cfg.NavPrimaryTimeout,
				FallbackTimeout: r.cfg.NavFallbackTimeout,
			})
		})
	}, ctx)
	if err != nil {
		log.Warn().Err(err).Str("url", security.RedactURL(msg.URL)).Msg("navigation failed, resetting page")
		if page := sess.CurrentPage(); page != nil {
			if _, resetErr := r.driver.Navigate(ctx, page, "about:blank", browser.NavigateOptions{
				PrimaryTimeout:  r.cfg.NavPrimaryTimeout,
				FallbackTimeout: r.cfg.NavFallbackTimeout,
			}); resetErr != nil {
				log.Debug().Err(resetErr).Msg("navigate: best-effort about:blank reset also failed")
			}
		}
		return types.OutboundMessage{Type: types.MsgNavigation, Status: types.StatusError, Error: err.Error(), Recoverable: true}
	}

	finalURL, _ := result.(string)
	return types.OutboundMessage{Type: types.MsgNavigation, Status: types.StatusOK, URL: finalURL, Recoverable: true}
}

func (r *Router) handleClick(ctx context.Context, sess *session.Session, msg types.InboundMessage) types.OutboundMessage {
	policy := fabric.RetryPolicy{Retries: clickRetries, Backoff: 200 * time.Millisecond, Timeout: clickTimeout, Label: "click"}
	_, err := fabric.WithRetry(ctx, policy, func(context.Context) (any, error) {
		return nil, r.driver.Click(sess.CurrentPage(), msg.X, msg.Y)
	})
	if err != nil {
		return types.OutboundMessage{Type: types.MsgClick, Status: types.StatusError, Error: err.Error(), Recoverable: true, X: msg.X, Y: msg.Y}
	}
	return types.OutboundMessage{Type: types.MsgClick, Status: types.StatusOK, X: msg.X, Y: msg.Y}
}

func (r *Router) handleScroll(ctx context.Context, sess *session.Session, msg types.InboundMessage) types.OutboundMessage {
	_, err := fabric.WithTimeout(ctx, scrollTimeout, "scroll", func(context.Context) (any, error) {
		return nil, r.driver.Scroll(sess.CurrentPage(), msg.DeltaY)
	})
	if err != nil {
		return types.OutboundMessage{Type: types.MsgScroll, Status: types.StatusError, Error: err.Error(), Recoverable: true, DeltaY: msg.DeltaY}
	}
	return types.OutboundMessage{Type: types.MsgScroll, Status: types.StatusOK, DeltaY: msg.DeltaY}
}

func (r *Router) handleHover(ctx context.Context, sess *session.Session, msg types.InboundMessage) types.OutboundMessage {
	policy := fabric.RetryPolicy{Retries: hoverRetries, Backoff: 200 * time.Millisecond, Timeout: hoverTimeout, Label: "hover"}
	_, err := fabric.WithRetry(ctx, policy, func(context.Context) (any, error) {
		return nil, r.driver.Hover(sess.CurrentPage(), msg.X, msg.Y)
	})
	if err != nil {
		return types.OutboundMessage{Type: types.MsgHover, Status: types.StatusError, Error: err.Error(), Recoverable: true, X: msg.X, Y: msg.Y}
	}
	return types.OutboundMessage{Type: types.MsgHover, Status: types.StatusOK, X: msg.X, Y: msg.Y}
}

func (r *Router) handleType(ctx context.Context, sess *session.Session, msg types.InboundMessage) types.OutboundMessage {
	if err := r.driver.Type(ctx, sess.CurrentPage(), msg.Text); err != nil {
		return types.OutboundMessage{Type: types.MsgType, Status: types.StatusError, Error: err.Error(), Recoverable: true}
	}
	return types.OutboundMessage{Type: types.MsgType, Status: types.StatusOK}
}

func (r *Router) handleEvaluate(ctx context.Context, sess *session.Session, msg types.InboundMessage) types.OutboundMessage {
	result, err := fabric.WithTimeout(ctx, r.opTimeout(), "evaluate", func(context.Context) (any, error) {
		return r.driver.Eval(sess.CurrentPage(), msg.Code), nil
	})
	if err != nil {
		return types.OutboundMessage{Type: types.MsgEvaluate, Status: types.StatusError, Error: err.Error(), Recoverable: true}
	}
	res := result.(browser.EvalResult)
	if !res.Success {
		return types.OutboundMessage{Type: types.MsgEvaluate, Status: types.StatusError, Error: res.Error, Recoverable: true}
	}
	return types.OutboundMessage{Type: types.MsgEvaluate, Status: types.StatusOK, Result: res.Result}
}

// screenshotResult carries one of the two parallel fetches' outcome back to
// handleScreenshotAndHTML.
type screenshotResult struct {
	data string
	err  error
}

// captureBoth fetches the screenshot and the HTML in parallel, returning the
// first error either side produced.
func (r *Router) captureBoth(page *rod.Page) (shot, html string, err error) {
	shotCh := make(chan screenshotResult, 1)
	htmlCh := make(chan screenshotResult, 1)

	go func() {
		data, err := r.driver.Screenshot(page, r.cfg.ScreencastQuality)
		shotCh <- screenshotResult{data: data, err: err}
	}()
	go func() {
		data, err := r.driver.Content(page)
		htmlCh <- screenshotResult{data: data, err: err}
	}()

	s, h := <-shotCh, <-htmlCh
	if s.err != nil {
		return "", "", s.err
	}
	if h.err != nil {
		return "", "", h.err
	}
	return s.data, h.data, nil
}

func (r *Router) handleScreenshotAndHTML(ctx context.Context, sess *session.Session) types.OutboundMessage {
	retries := r.cfg.OpRetries
	if retries < 1 {
		retries = 1
	}
	policy := fabric.RetryPolicy{Retries: retries, Backoff: 200 * time.Millisecond, Timeout: r.opTimeout(), Label: "screenshot_and_html"}

	result, err := r.breaker.Execute(func(opCtx context.Context) (any, error) {
		return fabric.WithRetry(opCtx, policy, func(context.Context) (any, error) {
			shot, html, err := r.captureBoth(sess.CurrentPage())
			if err != nil {
				return nil, err
			}
			return [2]string{shot, html}, nil
		})
	}, ctx)
	if err != nil {
		return types.OutboundMessage{Type: types.MsgScreenshotAndHTML, Status: types.StatusError, Error: err.Error(), Recoverable: true}
	}
	pair := result.([2]string)
	return types.OutboundMessage{Type: types.MsgScreenshotAndHTML, Status: types.StatusOK, Screenshot: pair[0], HTML: pair[1]}
}

func (r *Router) handleSetViewport(ctx context.Context, sess *session.Session, msg types.InboundMessage) types.OutboundMessage {
	_, err := fabric.WithTimeout(ctx, r.opTimeout(), "set_viewport", func(context.Context) (any, error) {
		return nil, r.sessMgr.UpdateViewport(sess, msg.Width, msg.Height)
	})
	if err != nil {
		return types.OutboundMessage{Type: types.MsgViewportUpdated, Status: types.StatusError, Error: err.Error(), Recoverable: true}
	}
	return types.OutboundMessage{Type: types.MsgViewportUpdated, Status: types.StatusOK, Width: msg.Width, Height: msg.Height}
}

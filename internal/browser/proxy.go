package browser

import (
	"context"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// ProxyConfig holds the credentials for an authenticated upstream proxy.
//
// Note: the proxy server itself is set at browser launch time via the
// proxy-server flag; this type only carries what the per-request CDP auth
// challenge needs.
type ProxyConfig struct {
	URL      string
	Username string
	Password string
}

// NeedsAuth reports whether the proxy issues authentication challenges that
// must be answered over CDP. Safe on a nil receiver.
func (p *ProxyConfig) NeedsAuth() bool {
	return p != nil && p.URL != "" && p.Username != ""
}

// proxyConfig assembles the configured upstream proxy, or nil when none is
// set.
func (d *Driver) proxyConfig() *ProxyConfig {
	if d.cfg.ProxyURL == "" {
		return nil
	}
	return &ProxyConfig{
		URL:      d.cfg.ProxyURL,
		Username: d.cfg.ProxyUsername,
		Password: d.cfg.ProxyPassword,
	}
}

// listenProxyAuth answers FetchAuthRequired challenges with the configured
// credentials. The caller owns the Fetch domain enablement (which must set
// HandleAuthRequests) and the listener context's lifetime; this only adds
// one more listener to the same interception pipeline.
func listenProxyAuth(listenerCtx context.Context, pageWithCtx, page *rod.Page, proxy *ProxyConfig, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.FetchAuthRequired) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			log.Debug().Msg("proxy authentication required, providing credentials")

			// Ignore error: request may have been canceled or timed out
			_ = proto.FetchContinueWithAuth{
				RequestID: e.RequestID,
				AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
					Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
					Username: proxy.Username,
					Password: proxy.Password,
				},
			}.Call(page)
			return false
		})()
	}()
}

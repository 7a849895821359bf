// Package gateway owns the WebSocket surface: upgrading connections,
// authenticating them, creating and tearing down the per-client Session,
// wiring its frame pump, and pumping inbound commands into the router. It
// is the only package that sees both a live *websocket.Conn and a Session.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserstream-go/internal/browser"
	"github.com/Rorqualx/browserstream-go/internal/config"
	"github.com/Rorqualx/browserstream-go/internal/fabric"
	"github.com/Rorqualx/browserstream-go/internal/memgovernor"
	"github.com/Rorqualx/browserstream-go/internal/router"
	"github.com/Rorqualx/browserstream-go/internal/security"
	"github.com/Rorqualx/browserstream-go/internal/session"
	"github.com/Rorqualx/browserstream-go/internal/stream"
	"github.com/Rorqualx/browserstream-go/internal/types"
)

// recoveryPollInterval governs how often a connected client's Session
// pointer is checked for replacement by an automatic background recovery.
// Recovery itself runs on the health probe's own interval; this just needs
// to be short enough that the client's session_recovered notice and frame
// rewiring feel immediate.
const recoveryPollInterval = 2 * time.Second

// Authenticator validates an inbound connection's bearer token and returns
// a principal identifier on success. The default, PermissiveAuthenticator,
// accepts every connection, including one that presents no token; only with
// cfg.RequireAuth set does TokenAuthenticator reject a missing or blank
// token. Neither checks the token's value.
type Authenticator interface {
	Authenticate(token string) (principal string, ok bool)
}

// PermissiveAuthenticator accepts any token, including an empty one. Used
// when cfg.RequireAuth is false, the default for standalone operation.
type PermissiveAuthenticator struct{}

// Authenticate implements Authenticator.
func (PermissiveAuthenticator) Authenticate(string) (string, bool) { return "anonymous", true }

// TokenAuthenticator rejects empty tokens and accepts everything else. It
// is the minimal Authenticator REQUIRE_AUTH=true runs with out of the box;
// operators wanting real verification supply their own Authenticator.
type TokenAuthenticator struct{}

// Authenticate implements Authenticator.
func (TokenAuthenticator) Authenticate(token string) (string, bool) {
	if strings.TrimSpace(token) == "" {
		return "", false
	}
	return token, true
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway is the WebSocket entry point and connection registry.
type Gateway struct {
	cfg       *config.Config
	sessMgr   *session.Manager
	driver    *browser.Driver
	router    *router.Router
	governor  *memgovernor.Governor
	auth      Authenticator
	breaker   *fabric.CircuitBreaker
	startedAt time.Time

	mu      sync.Mutex
	clients map[string]*clientConn
}

// clientConn bundles the per-client state the Gateway owns outside of
// Session and StreamPump: the live connection, its cancel funcs, and pong
// tracking for the dead-peer check. All writes to conn go through
// writeJSON/writeMessage, which serialize on connMu - gorilla/websocket
// permits only one concurrent writer, and this connection has at least
// four independent producers (reply loop, frame pump, liveness ping,
// recovery notice).
type clientConn struct {
	id   string
	conn *websocket.Conn
	pump *stream.Pump

	connMu sync.Mutex

	mu          sync.Mutex
	sess        *session.Session
	gotPongAt   time.Time
	frameCancel func()
	cancelFuncs []func()
}

func (cc *clientConn) writeJSON(v any) error {
	cc.connMu.Lock()
	defer cc.connMu.Unlock()
	return cc.conn.WriteJSON(v)
}

func (cc *clientConn) writeMessage(messageType int, data []byte) error {
	cc.connMu.Lock()
	defer cc.connMu.Unlock()
	return cc.conn.WriteMessage(messageType, data)
}

func (cc *clientConn) currentSession() *session.Session {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.sess
}

func (cc *clientConn) setSession(s *session.Session) {
	cc.mu.Lock()
	cc.sess = s
	cc.mu.Unlock()
}

func (cc *clientConn) addCancel(f func()) {
	if f == nil {
		return
	}
	cc.mu.Lock()
	cc.cancelFuncs = append(cc.cancelFuncs, f)
	cc.mu.Unlock()
}

func (cc *clientConn) setFrameCancel(f func()) {
	cc.mu.Lock()
	prev := cc.frameCancel
	cc.frameCancel = f
	cc.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// connWriter adapts clientConn's serialized writer into stream.Conn.
type connWriter struct{ cc *clientConn }

func (w connWriter) WriteMessage(messageType int, data []byte) error {
	return w.cc.writeMessage(messageType, data)
}

// New builds a Gateway. auth may be nil, in which case a permissive or
// token-presence authenticator is selected from cfg.RequireAuth.
func New(cfg *config.Config, sessMgr *session.Manager, driver *browser.Driver, governor *memgovernor.Governor, r *router.Router, auth Authenticator) *Gateway {
	if auth == nil {
		if cfg.RequireAuth {
			auth = TokenAuthenticator{}
		} else {
			auth = PermissiveAuthenticator{}
		}
	}
	return &Gateway{
		cfg:       cfg,
		sessMgr:   sessMgr,
		driver:    driver,
		router:    r,
		governor:  governor,
		auth:      auth,
		breaker:   fabric.NewCircuitBreaker(cfg.GatewayCircuitThreshold, cfg.GatewayCircuitResetAfter),
		startedAt: time.Now(),
		clients:   make(map[string]*clientConn),
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the client's
// lifecycle until the connection closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if _, ok := g.auth.Authenticate(token); !ok {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteJSON(types.NewErrorMessage("auth", "authentication required", false))
		_ = conn.Close()
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("gateway: websocket upgrade failed")
		return
	}

	g.handleConnection(conn)
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (g *Gateway) handleConnection(conn *websocket.Conn) {
	clientID, err := security.GenerateSessionID()
	if err != nil {
		log.Error().Err(err).Msg("gateway: failed to generate client id")
		_ = conn.Close()
		return
	}
	ctx := context.Background()

	vp := browser.Viewport{Width: g.cfg.DefaultViewportWidth, Height: g.cfg.DefaultViewportHeight}

	result, err := g.breaker.Execute(func(opCtx context.Context) (any, error) {
		return g.sessMgr.Create(opCtx, clientID, vp)
	}, ctx)
	if err != nil {
		_ = conn.WriteJSON(types.NewErrorMessage("connection", err.Error(), false))
		_ = conn.Close()
		return
	}
	sess := result.(*session.Session)

	pump := stream.New(clientID, &sessionAcker{driver: g.driver}, &sessionMarker{}, g.cfg.FrameQueueMax, g.cfg.BufferHighWatermark)

	cc := &clientConn{id: clientID, conn: conn, pump: pump, sess: sess, gotPongAt: time.Now()}
	pump.SetConn(connWriter{cc})

	acker := &sessionAcker{driver: g.driver, getSess: cc.currentSession}
	pump.ReplaceAcker(acker)
	marker := &sessionMarker{getSess: cc.currentSession}
	pump.ReplaceMarker(marker)

	g.mu.Lock()
	g.clients[clientID] = cc
	g.mu.Unlock()

	g.governor.Register(&governorAdapter{clientID: clientID, pump: pump, mgr: g.sessMgr, getSess: cc.currentSession})

	g.attachFrameSource(cc, sess)

	conn.SetPongHandler(func(string) error {
		cc.mu.Lock()
		cc.gotPongAt = time.Now()
		cc.mu.Unlock()
		return nil
	})

	cc.addCancel(g.startLivenessPing(cc))
	cc.addCancel(g.startDeadPeerCheck(cc))
	cc.addCancel(g.startRecoveryWatch(cc))

	_ = cc.writeJSON(types.OutboundMessage{Type: types.MsgConnected, SessionID: clientID})
	_ = cc.writeJSON(types.OutboundMessage{Type: types.MsgSessionReady})

	g.readLoop(ctx, cc)

	g.closeClient(clientID)
}

// attachFrameSource starts the screencast for sess and wires its CDP frame
// events into cc's pump, replacing any prior subscription (used both for
// the initial connection and after an automatic recovery swaps in a new
// Session).
func (g *Gateway) attachFrameSource(cc *clientConn, sess *session.Session) {
	if err := g.sessMgr.StartScreencast(sess); err != nil {
		log.Warn().Err(err).Str("client_id", cc.id).Msg("gateway: failed to start screencast")
	}

	cdp := sess.CurrentCDP()
	if cdp == nil {
		log.Warn().Str("client_id", cc.id).Msg("gateway: session has no CDP channel to attach frames from")
		return
	}
	cancel := g.driver.OnFrame(context.Background(), cdp, func(e *proto.PageScreencastFrame) {
		cc.pump.OnFrame(stream.Frame{Data: e.Data, SessionID: e.SessionID})
	})
	cc.setFrameCancel(cancel)
}

// readLoop synchronously reads and dispatches one inbound message at a
// time, preserving per-client reply ordering.
func (g *Gateway) readLoop(ctx context.Context, cc *clientConn) {
	for {
		_, raw, err := cc.conn.ReadMessage()
		if err != nil {
			return
		}

		out := g.dispatchSafely(ctx, cc.currentSession(), raw)
		if err := cc.writeJSON(out); err != nil {
			return
		}
	}
}

// dispatchSafely recovers from a panic anywhere in the router so one bad
// command never takes the whole connection down.
func (g *Gateway) dispatchSafely(ctx context.Context, sess *session.Session, raw []byte) (out types.OutboundMessage) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("gateway: recovered from panic dispatching message")
			out = types.NewErrorMessage("internal", "internal error handling message", true)
		}
	}()
	return g.router.Dispatch(ctx, sess, raw)
}

func (g *Gateway) startLivenessPing(cc *clientConn) func() {
	ticker := time.NewTicker(g.cfg.LivenessPingInterval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if bufferedEstimate(cc.pump) > 1024*1024 {
					continue
				}
				if err := cc.writeMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// bufferedEstimate approximates the outbound socket buffer as the pump's
// own queued byte total; gorilla/websocket has no direct equivalent of a
// browser WebSocket's bufferedAmount.
func bufferedEstimate(p *stream.Pump) int64 {
	return p.QueuedBytes()
}

func (g *Gateway) startDeadPeerCheck(cc *clientConn) func() {
	ticker := time.NewTicker(g.cfg.DeadPeerCheckInterval)
	done := make(chan struct{})
	go func() {
		var lastSeen time.Time
		for {
			select {
			case <-ticker.C:
				cc.mu.Lock()
				seen := cc.gotPongAt
				cc.mu.Unlock()
				if !lastSeen.IsZero() && !seen.After(lastSeen) {
					log.Info().Str("client_id", cc.id).Msg("gateway: dead peer detected, closing")
					_ = cc.conn.Close()
					return
				}
				lastSeen = seen
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// startRecoveryWatch polls the SessionManager for clientID's current
// Session and, when it differs from the one this connection last saw
// (an automatic recovery swapped it in), rewires the frame subscription
// and tells the client.
func (g *Gateway) startRecoveryWatch(cc *clientConn) func() {
	ticker := time.NewTicker(recoveryPollInterval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				current, err := g.sessMgr.Get(context.Background(), cc.id)
				if err != nil {
					continue
				}
				if current != cc.currentSession() {
					cc.setSession(current)
					g.attachFrameSource(cc, current)
					_ = cc.writeJSON(types.OutboundMessage{Type: types.MsgSessionRecovered, SessionID: cc.id})
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

func (g *Gateway) closeClient(clientID string) {
	g.mu.Lock()
	cc, ok := g.clients[clientID]
	if ok {
		delete(g.clients, clientID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	cc.mu.Lock()
	fns := cc.cancelFuncs
	frameCancel := cc.frameCancel
	cc.mu.Unlock()
	for _, f := range fns {
		f()
	}
	if frameCancel != nil {
		frameCancel()
	}

	cc.pump.Close()
	g.sessMgr.Cleanup(clientID, true)
	g.governor.ClearClient(clientID)
	_ = cc.conn.Close()
}

// Shutdown closes every active connection and tears down owned components
// in dependency order.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	ids := make([]string, 0, len(g.clients))
	for id := range g.clients {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.closeClient(id)
	}

	g.sessMgr.CleanupAll()
	g.governor.Shutdown()
}

// ActiveConnections reports the current number of tracked clients.
func (g *Gateway) ActiveConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Health returns a snapshot for GET /health.
func (g *Gateway) Health() types.HealthResponse {
	state := g.breaker.State()
	return types.HealthResponse{
		Status:            "ok",
		UptimeSeconds:     time.Since(g.startedAt).Seconds(),
		ActiveConnections: g.ActiveConnections(),
		CircuitBreaker:    types.CircuitBreakerState{IsOpen: state.IsOpen, Failures: state.Failures},
		Timestamp:         time.Now().UnixNano() / int64(time.Millisecond),
	}
}

// HealthHandler serves GET /health as JSON.
func (g *Gateway) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.Health())
}

// sessionAcker adapts the client's current Session's CDP page into
// stream.Acker. getSess is nil only for the placeholder passed to New
// before the real connection-bound getter is wired in just below it.
type sessionAcker struct {
	driver  *browser.Driver
	getSess func() *session.Session
}

func (a *sessionAcker) Ack(sessionID int) error {
	if a.getSess == nil {
		return nil
	}
	sess := a.getSess()
	if sess == nil {
		return nil
	}
	page := sess.CurrentPage()
	if page == nil {
		return nil
	}
	return a.driver.Ack(page, sessionID)
}

// sessionMarker adapts the client's current Session into stream.UnhealthyMarker.
type sessionMarker struct {
	getSess func() *session.Session
}

func (m *sessionMarker) MarkUnhealthy() {
	if m.getSess == nil {
		return
	}
	if sess := m.getSess(); sess != nil {
		sess.MarkUnhealthy()
	}
}

// governorAdapter composes a client's current Session and its StreamPump
// into memgovernor.Client - the governor never sees either concrete type
// directly, only this small adapter, per the interface-at-boundary pattern
// used throughout this codebase.
type governorAdapter struct {
	clientID string
	pump     *stream.Pump
	mgr      *session.Manager
	getSess  func() *session.Session
}

func (a *governorAdapter) ClientID() string        { return a.clientID }
func (a *governorAdapter) TrimFrameQueue(keep int) { a.pump.TrimFrameQueue(keep) }
func (a *governorAdapter) DropFrameQueue()         { a.pump.DropFrameQueue() }
func (a *governorAdapter) DegradeScreencast(quality, maxWidth, maxHeight, everyNthFrame int) {
	if sess := a.getSess(); sess != nil {
		sess.DegradeScreencast(a.mgr, quality, maxWidth, maxHeight, everyNthFrame)
	}
}

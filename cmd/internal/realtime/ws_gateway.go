package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"bazaar/cmd/identity"
	"bazaar/cmd/internal/messaging"
	v1 "bazaar/shared/contracts/realtime/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// MessagingService is what the gateway needs from the messaging core.
// messaging.Service satisfies it.
type MessagingService interface {
	MembershipStore
	ListMessages(ctx context.Context, conversationID, actorID string) ([]messaging.Message, error)
	AppendMessage(ctx context.Context, conversationID, senderID, content string) (messaging.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (int64, error)
	MarkOneRead(ctx context.Context, messageID, readerID string) (bool, error)
}

// RequestAuthenticator resolves the acting user of the upgrade request.
type RequestAuthenticator interface {
	AuthenticateUpgrade(r *http.Request) (identity.Principal, error)
}

// GatewayConfig holds the websocket policy knobs.
type GatewayConfig struct {
	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	// AllowedOrigins is the origin allowlist ("*" allows any).
	AllowedOrigins []string
	// InsecureSkipVerify disables coder/websocket's own origin check (dev only).
	InsecureSkipVerify bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns secure defaults: origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint of the live feed.
//
// It enforces origin policy, authentication, subprotocol selection, rate limits and
// heartbeats, and routes validated envelopes to the messaging service and the bridge.
type WSGateway struct {
	log     *slog.Logger
	bridge  Bridge
	svc     MessagingService
	auth    RequestAuthenticator
	metrics *Metrics
	cfg     GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, bridge Bridge, svc MessagingService, auth RequestAuthenticator, cfg GatewayConfig, metrics *Metrics) (*WSGateway, error) {
	if bridge == nil || svc == nil || auth == nil {
		return nil, errors.New("realtime: gateway requires bridge, service and authenticator")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		bridge:         bridge,
		svc:            svc,
		auth:           auth,
		metrics:        metrics,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades the request to a WebSocket session and runs the feed loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	principal, err := g.auth.AuthenticateUpgrade(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := newWSClient(principal.UserID, NewSessionID(), g.cfg.SendQueueSize)
	g.metrics.incConnections()
	defer g.metrics.decConnections()
	g.log.Info("ws.connect", "session_id", client.sessionID, "user_id", client.userID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", client.sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", client.sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", client.sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		var herr error
		switch env.Type {
		case v1.TypeHello:
			herr = g.onHello(ctx, client)
		case v1.TypeConversationJoin:
			herr = g.onJoin(ctx, client, env)
		case v1.TypeConversationLeave:
			herr = g.onLeave(ctx, client, env)
		case v1.TypeMessageSend:
			herr = g.onMessageSend(ctx, client, env)
		case v1.TypeMessageRead:
			herr = g.onMessageRead(ctx, client, env)
		case v1.TypeConversationHistoryFetch:
			herr = g.onHistoryFetch(ctx, client, env)
		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
			continue readLoop
		}
		if herr != nil {
			code, msg := errorCode(herr)
			g.log.Debug("ws.op.fail", "session_id", client.sessionID, "type", env.Type, "code", code, "err", herr)
			g.trySendError(ctx, client, code, msg)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.disconnect", "session_id", client.sessionID, "user_id", client.userID)
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *wsClient) error {
	return g.reply(ctx, client, v1.TypeHelloAck, v1.HelloAckPayload{
		SessionID: client.sessionID,
		UserID:    client.userID,
	})
}

func (g *WSGateway) onJoin(ctx context.Context, client *wsClient, env v1.Envelope) error {
	var p v1.ConversationJoinPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errBadPayload("missing conversation_id")
	}

	ok, err := g.svc.IsParticipant(ctx, convID, client.userID)
	if err != nil {
		return err
	}
	if !ok {
		return errForbidden
	}

	if client.subscription(convID) == nil {
		sub, err := g.bridge.Subscribe(convID)
		if err != nil {
			return fmt.Errorf("%w: %v", errFeedUnavailable, err)
		}
		if !client.addSubscription(sub) {
			sub.Close()
		} else {
			go g.pump(ctx, client, sub)
		}
	}

	return g.reply(ctx, client, v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: convID})
}

func (g *WSGateway) onLeave(ctx context.Context, client *wsClient, env v1.Envelope) error {
	var p v1.ConversationLeavePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errBadPayload("missing conversation_id")
	}
	if sub := client.removeSubscription(convID); sub != nil {
		sub.Close()
	}
	return g.reply(ctx, client, v1.TypeConversationLeave, v1.ConversationLeavePayload{ConversationID: convID})
}

// pump forwards one feed subscription into the client send queue.
func (g *WSGateway) pump(ctx context.Context, client *wsClient, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-sub.Done():
			return
		case m := <-sub.C():
			p, _ := json.Marshal(v1.MessageNewPayload{Message: toWire(m)})
			if !g.enqueue(ctx, client, newEnvelope(v1.TypeMessageNew, p)) {
				g.log.Info("ws.feed.drop", "session_id", client.sessionID, "conversation_id", m.ConversationID, "message_id", m.ID)
			}
		}
	}
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *wsClient, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errBadPayload("missing conversation_id")
	}

	m, err := g.svc.AppendMessage(ctx, convID, client.userID, p.Text)
	if err != nil {
		return err
	}
	return g.reply(ctx, client, v1.TypeMessageAck, v1.MessageAckPayload{
		ClientMsgID: p.ClientMsgID,
		Message:     toWire(m),
	})
}

func (g *WSGateway) onMessageRead(ctx context.Context, client *wsClient, env v1.Envelope) error {
	var p v1.MessageReadPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	p.ConversationID = strings.TrimSpace(p.ConversationID)
	p.MessageID = strings.TrimSpace(p.MessageID)

	switch {
	case p.MessageID != "":
		ok, err := g.svc.MarkOneRead(ctx, p.MessageID, client.userID)
		if err != nil {
			return err
		}
		p.Count = 0
		if ok {
			p.Count = 1
		}
	case p.ConversationID != "":
		n, err := g.svc.MarkRead(ctx, p.ConversationID, client.userID)
		if err != nil {
			return err
		}
		p.Count = n
	default:
		return errBadPayload("conversation_id or message_id is required")
	}
	return g.reply(ctx, client, v1.TypeMessageRead, p)
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, client *wsClient, env v1.Envelope) error {
	var p v1.ConversationHistoryFetchPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errBadPayload("missing conversation_id")
	}

	msgs, err := g.svc.ListMessages(ctx, convID, client.userID)
	if err != nil {
		return err
	}
	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toWire(m))
	}
	return g.reply(ctx, client, v1.TypeConversationHistoryChunk, v1.ConversationHistoryChunkPayload{
		ConversationID: convID,
		Messages:       out,
	})
}

// ---- errors ----

var (
	errForbidden       = errors.New("not a participant")
	errFeedUnavailable = errors.New("feed unavailable")
)

type badPayloadError string

func (e badPayloadError) Error() string { return string(e) }

func errBadPayload(msg string) error { return badPayloadError(msg) }

// errorCode maps an operation error to a wire error code and a client-safe message.
func errorCode(err error) (code, msg string) {
	var bp badPayloadError
	switch {
	case errors.As(err, &bp):
		return "bad_payload", bp.Error()
	case errors.Is(err, errForbidden), messaging.IsUnauthorized(err):
		return "forbidden", "not a participant of this conversation"
	case messaging.IsInvalidInput(err):
		var oe messaging.OpError
		if errors.As(err, &oe) && oe.Msg != "" {
			return "invalid_input", oe.Msg
		}
		return "invalid_input", "invalid input"
	case messaging.IsNotFound(err):
		return "not_found", "not found"
	case errors.Is(err, errFeedUnavailable):
		return "feed_unavailable", "live feed unavailable"
	case messaging.IsUnavailable(err):
		return "unavailable", "temporarily unavailable"
	default:
		return "internal", "internal error"
	}
}

// ---- send helpers ----

func (g *WSGateway) reply(ctx context.Context, client *wsClient, typ string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if !g.enqueue(ctx, client, newEnvelope(typ, b)) {
		return fmt.Errorf("backpressure: %s", typ)
	}
	return nil
}

func (g *WSGateway) trySendError(ctx context.Context, client *wsClient, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, p))
}

func (g *WSGateway) enqueue(ctx context.Context, client *wsClient, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func toWire(m messaging.Message) v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		IsRead:         m.Read,
	}
}

func newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return errBadPayload("missing payload")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return errBadPayload("invalid payload")
	}
	return nil
}

type badJSONError struct{ err error }

func (e badJSONError) Error() string { return "bad json: " + e.err.Error() }
func (e badJSONError) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, badJSONError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bj badJSONError
	if errors.As(err, &bj) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins keeps websocket.Accept's origin check in agreement
// with the allowlist. "*" maps to the match-all pattern.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

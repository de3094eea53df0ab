// Package main provides a CI-friendly smoke test for the Bazaar messaging server.
//
// It validates:
//   - conversation creation over REST (buyer -> seller, reused on repeat)
//   - handshake + subprotocol selection
//   - hello/ack identity
//   - join echo for both participants
//   - send -> ack carrying the persisted message
//   - exactly one message_new per subscriber
//   - history fetch and read marking by the recipient
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"bazaar/cmd/identity"
	v1 "bazaar/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

// credentials authenticates one user: a signed token when a secret is set, else the dev header.
type credentials struct {
	userID string
	token  string
}

func (c credentials) apply(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
		return
	}
	h.Set(identity.DevUserHeader, c.userID)
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "REST base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		listing = flag.String("listing", "smoke-listing-1", "Listing ID")
		buyerID = flag.String("buyer", "smoke-buyer", "Buyer user ID")
		sellID  = flag.String("seller", "smoke-seller", "Seller user ID")
		secret  = flag.String("secret", os.Getenv("BAZAAR_JWT_SECRET"), "HS256 secret; empty uses the dev identity header")
		text    = flag.String("text", "Is this still available?", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	buyer := mustCredentials(*secret, *buyerID)
	seller := mustCredentials(*secret, *sellID)

	root := context.Background()

	convID := mustCreateConversation(root, *apiURL, buyer, *listing, *sellID, *timeout)
	if again := mustCreateConversation(root, *apiURL, buyer, *listing, *sellID, *timeout); again != convID {
		fatalf("conversation not reused: first=%s second=%s", convID, again)
	}

	a := mustConnect(root, "buyer", *wsURL, *origin, buyer, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "seller", *wsURL, *origin, seller, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: buyer=%s seller=%s conv_id=%s\n", a.sessionID, b.sessionID, convID)
	}

	mustJoin(root, a, convID, *timeout)
	mustJoin(root, b, convID, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	sent := mustSendAndAssertAck(root, a, convID, clientMsgID, *text, *timeout)

	mustAssertNew(root, b, sent, *timeout)
	mustAssertNoType(root, b, v1.TypeMessageNew, 750*time.Millisecond)

	mustHistoryFetchContains(root, b, convID, sent, *timeout)
	mustMarkRead(root, b, convID, *timeout)

	fmt.Printf("OK: conv_id=%s message_id=%s buyer=%s seller=%s\n", convID, sent.ID, a.sessionID, b.sessionID)
}

func mustCredentials(secret, userID string) credentials {
	if strings.TrimSpace(userID) == "" {
		fatalf("empty user id")
	}
	if secret == "" {
		return credentials{userID: userID}
	}
	tok, err := identity.IssueHS256([]byte(secret), "", userID, time.Now(), 10*time.Minute)
	if err != nil {
		fatalf("issue token for %s: %v", userID, err)
	}
	return credentials{userID: userID, token: tok}
}

func mustCreateConversation(parent context.Context, apiURL string, buyer credentials, listingID, sellerID string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body := mustJSON(map[string]string{"listing_id": listingID, "seller_id": sellerID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(apiURL, "/")+"/v1/conversations", bytes.NewReader(body))
	if err != nil {
		fatalf("build create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	buyer.apply(req.Header)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("create conversation: %v", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		fatalf("create conversation: status %d", res.StatusCode)
	}

	var out struct {
		Conversation struct {
			ID       string `json:"id"`
			BuyerID  string `json:"buyer_id"`
			SellerID string `json:"seller_id"`
		} `json:"conversation"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		fatalf("decode conversation: %v", err)
	}
	if out.Conversation.ID == "" || out.Conversation.BuyerID != buyer.userID || out.Conversation.SellerID != sellerID {
		fatalf("unexpected conversation: %+v", out.Conversation)
	}
	return out.Conversation.ID
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, creds credentials, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	creds.apply(h)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: creds.userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if p.UserID != creds.userID {
		fatalf("hello_ack user mismatch (%s): got=%q want=%q", name, p.UserID, creds.userID)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeConversationJoin,
		ID:      fmt.Sprintf("%s-join", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.ConversationJoinPayload{ConversationID: convID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeConversationJoin, stepTimeout, nil)

	var p v1.ConversationJoinPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join echo payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("join echo conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, convID, clientMsgID, text string, stepTimeout time.Duration) v1.Message {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send-%s", c.name, clientMsgID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			ConversationID: convID,
			ClientMsgID:    clientMsgID,
			Text:           text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeMessageNew: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	m := p.Message
	if strings.TrimSpace(m.ID) == "" {
		fatalf("ack missing message id (%s)", c.name)
	}
	if m.ConversationID != convID || m.SenderID != c.userID {
		fatalf("ack message mismatch (%s): %+v", c.name, m)
	}
	if m.Content != strings.TrimSpace(text) {
		fatalf("ack content mismatch (%s): got=%q", c.name, m.Content)
	}
	if m.CreatedAt.IsZero() || m.IsRead {
		fatalf("ack message state invalid (%s): %+v", c.name, m)
	}
	return m
}

func mustAssertNew(parent context.Context, c *smokeClient, want v1.Message, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, nil)

	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_new payload (%s): %v", c.name, err)
	}
	got := p.Message
	if got.ID != want.ID || got.ConversationID != want.ConversationID || got.SenderID != want.SenderID || got.Content != want.Content {
		fatalf("message_new mismatch (%s): got=%+v want=%+v", c.name, got, want)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		fatalf("message_new created_at mismatch (%s): got=%s want=%s", c.name, got.CreatedAt, want.CreatedAt)
	}
}

func mustHistoryFetchContains(parent context.Context, c *smokeClient, convID string, want v1.Message, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeConversationHistoryFetch,
		ID:      fmt.Sprintf("%s-history-fetch", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.ConversationHistoryFetchPayload{ConversationID: convID}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeConversationHistoryChunk, stepTimeout, nil)

	var p v1.ConversationHistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history chunk payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("history chunk conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}

	found := 0
	for i, m := range p.Messages {
		if i > 0 && m.CreatedAt.Before(p.Messages[i-1].CreatedAt) {
			fatalf("history chunk out of order (%s) at %d", c.name, i)
		}
		if m.ID == want.ID {
			found++
		}
	}
	if found != 1 {
		fatalf("history chunk holds %d copies of %s (%s)", found, want.ID, c.name)
	}
}

func mustMarkRead(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessageRead,
		ID:      fmt.Sprintf("%s-read", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.MessageReadPayload{ConversationID: convID}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeMessageRead, stepTimeout, nil)

	var p v1.MessageReadPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal message_read payload (%s): %v", c.name, err)
	}
	if p.Count < 1 {
		fatalf("message_read flipped nothing (%s)", c.name)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

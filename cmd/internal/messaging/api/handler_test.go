package messagingapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bazaar/cmd/identity"
	"bazaar/cmd/internal/messaging"
)

const (
	buyer  = "buyer-1"
	seller = "seller-1"
)

type apiFixture struct {
	srv *httptest.Server
	svc *messaging.Service
}

func newAPIFixture(t *testing.T, auth Authenticator) *apiFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := messaging.NewStaticCatalog()
	catalog.PutListing(messaging.ListingCard{ID: "listing-1", SellerID: seller, Title: "Road bike", Price: 350})
	catalog.PutProfile(messaging.Profile{ID: seller, DisplayName: "Sam"})

	svc, err := messaging.NewService(messaging.NewInMemoryStore(),
		messaging.WithLogger(log),
		messaging.WithCatalog(catalog),
		messaging.WithProfiles(catalog),
	)
	require.NoError(t, err)

	if auth == nil {
		auth, err = identity.NewAuthenticator(nil, true)
		require.NoError(t, err)
	}
	h, err := NewHandler(log, svc, auth, DefaultConfig())
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, svc: svc}
}

func (f *apiFixture) do(t *testing.T, method, path, userID, body string, out any) int {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set(identity.DevUserHeader, userID)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.NewDecoder(bytes.NewReader(raw)).Decode(out), string(raw))
	}
	return res.StatusCode
}

func (f *apiFixture) startConversation(t *testing.T) messaging.Conversation {
	t.Helper()
	var resp conversationResponse
	status := f.do(t, http.MethodPost, "/v1/conversations", buyer, `{"listing_id":"listing-1","seller_id":"seller-1"}`, &resp)
	require.Equal(t, http.StatusOK, status)
	return resp.Conversation
}

func TestCreateConversation_ReusesExisting(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)

	first := f.startConversation(t)
	second := f.startConversation(t)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, buyer, first.BuyerID)
	assert.Equal(t, seller, first.SellerID)
}

func TestCreateConversation_Rejections(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)

	tests := []struct {
		name   string
		userID string
		body   string
		status int
		code   string
	}{
		{"no identity", "", `{"listing_id":"l","seller_id":"s"}`, http.StatusUnauthorized, "unauthorized"},
		{"bad json", buyer, `{"listing_id":`, http.StatusBadRequest, "invalid_json"},
		{"unknown field", buyer, `{"listing_id":"l","seller_id":"s","x":1}`, http.StatusBadRequest, "invalid_json"},
		{"missing listing", buyer, `{"seller_id":"s"}`, http.StatusBadRequest, "invalid_input"},
		{"self conversation", buyer, `{"listing_id":"l","seller_id":"buyer-1"}`, http.StatusBadRequest, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp errorResponse
			status := f.do(t, http.MethodPost, "/v1/conversations", tt.userID, tt.body, &resp)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestMessages_SendListAndRead(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)
	conv := f.startConversation(t)
	base := "/v1/conversations/" + conv.ID

	var sent messageResponse
	status := f.do(t, http.MethodPost, base+"/messages", buyer, `{"content":"  Is this still available?  "}`, &sent)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "Is this still available?", sent.Message.Content)
	assert.False(t, sent.Message.Read)

	var unread unreadResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/unread", seller, "", &unread))
	assert.Equal(t, 1, unread.Unread)

	var list messagesResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, base+"/messages", seller, "", &list))
	require.Len(t, list.Messages, 1)
	assert.Equal(t, sent.Message.ID, list.Messages[0].ID)

	var one markOneReadResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/messages/"+sent.Message.ID+"/read", buyer, "", &one))
	assert.False(t, one.Updated, "the sender cannot mark its own message")

	var all markReadResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/read", seller, "", &all))
	assert.EqualValues(t, 1, all.Updated)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/read", seller, "", &all))
	assert.EqualValues(t, 0, all.Updated)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/unread", seller, "", &unread))
	assert.Zero(t, unread.Unread)
}

func TestMessages_Rejections(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)
	conv := f.startConversation(t)
	base := "/v1/conversations/" + conv.ID

	var resp errorResponse
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, base+"/messages", buyer, `{"content":"   "}`, &resp))
	assert.Equal(t, "invalid_input", resp.Error.Code)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, base+"/messages", "stranger", `{"content":"hi"}`, &resp))
	assert.Equal(t, "forbidden", resp.Error.Code)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, base+"/messages", "stranger", "", &resp))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/conversations/nope/messages", buyer, "", &resp))

	list, err := f.svc.ListMessages(t.Context(), conv.ID, buyer)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestInboxAndHeader(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)
	conv := f.startConversation(t)

	var sent messageResponse
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/conversations/"+conv.ID+"/messages", seller, `{"content":"yes"}`, &sent))

	var inbox summariesResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/conversations", buyer, "", &inbox))
	require.Len(t, inbox.Conversations, 1)
	row := inbox.Conversations[0]
	assert.Equal(t, "Road bike", row.Listing.Title)
	assert.Equal(t, "Sam", row.Other.DisplayName)
	assert.Equal(t, 1, row.UnreadCount)
	assert.Equal(t, 1, inbox.TotalUnread)
	require.NotNil(t, row.LastMessage)
	assert.Equal(t, sent.Message.ID, row.LastMessage.ID)

	var header messaging.ThreadHeader
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/conversations/"+conv.ID, buyer, "", &header))
	assert.Equal(t, conv.ID, header.Conversation.ID)
	assert.Equal(t, "Sam", header.Other.DisplayName)

	var empty summariesResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/conversations", "nobody", "", &empty))
	assert.NotNil(t, empty.Conversations)
	assert.Empty(t, empty.Conversations)
}

func TestBearerTokenAuth(t *testing.T) {
	t.Parallel()

	secret := []byte("0123456789abcdef0123456789abcdef")
	verifier, err := identity.NewJWTVerifier(secret)
	require.NoError(t, err)
	auth, err := identity.NewAuthenticator(verifier, false)
	require.NoError(t, err)
	f := newAPIFixture(t, auth)

	tok, err := identity.IssueHS256(secret, "", buyer, time.Now(), time.Minute)
	require.NoError(t, err)

	call := func(header string) int {
		req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/unread", nil)
		require.NoError(t, err)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		req.Header.Set(identity.DevUserHeader, buyer)
		res, err := f.srv.Client().Do(req)
		require.NoError(t, err)
		_ = res.Body.Close()
		return res.StatusCode
	}

	assert.Equal(t, http.StatusOK, call("Bearer "+tok))
	assert.Equal(t, http.StatusUnauthorized, call("Bearer not-a-token"))
	assert.Equal(t, http.StatusUnauthorized, call(""), "dev header is ignored outside dev mode")

	res, err := f.srv.Client().Get(f.srv.URL + "/v1/unread?access_token=" + tok)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode, "tokens in the URL are not accepted by the REST API")
}

func TestNewHandler_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewHandler(nil, nil, nil, Config{})
	assert.Error(t, err)
}

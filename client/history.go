package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/ws"
)

// APIError is a non 2xx response of the chat API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: status %d: %s", e.Status, e.Message)
}

// HistoryClient calls the HTTP chat endpoints on behalf of one user.
type HistoryClient struct {
	self chatstore.UserID
	rc   *resty.Client
}

// NewHistoryClient creates a client of the API at baseURL, e.g.
// http://127.0.0.1:8000, authenticating as uid.
func NewHistoryClient(baseURL string, uid chatstore.UserID) *HistoryClient {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetHeader(auth.UIDHeader, string(uid)).
		SetHeader("Accept", "application/json")
	return &HistoryClient{self: uid, rc: rc}
}

// History returns messages with peer, oldest first.
func (c *HistoryClient) History(ctx context.Context, peer chatstore.UserID) ([]*chatstore.Message, error) {
	var out []*chatstore.Message
	err := c.get(ctx, &out, "/api/chat/conversation/{a}/{b}", map[string]string{
		"a": string(c.self),
		"b": string(peer),
	}, nil)
	return out, err
}

// Conversations returns the caller's conversations, most recent first.
func (c *HistoryClient) Conversations(ctx context.Context) ([]*chatstore.Conversation, error) {
	var out []*chatstore.Conversation
	err := c.get(ctx, &out, "/api/chat", nil, nil)
	return out, err
}

// Search returns contacts whose id contains term.
func (c *HistoryClient) Search(ctx context.Context, term string) ([]chatstore.UserID, error) {
	var out []chatstore.UserID
	err := c.get(ctx, &out, "/api/chat/users/search", nil, map[string]string{"q": term})
	return out, err
}

// Online returns identities currently online.
func (c *HistoryClient) Online(ctx context.Context) ([]chatstore.UserID, error) {
	var out struct {
		Online []chatstore.UserID `json:"online"`
	}
	err := c.get(ctx, &out, "/api/chat/online", nil, nil)
	return out.Online, err
}

// CallRoom returns the room id of a call with peer.
func (c *HistoryClient) CallRoom(ctx context.Context, peer chatstore.UserID) (string, error) {
	var out struct {
		RoomID string `json:"roomId"`
	}
	err := c.get(ctx, &out, "/api/chat/call/{peer}", map[string]string{"peer": string(peer)}, nil)
	return out.RoomID, err
}

// Send creates a message through the HTTP path: stored first, then delivered.
func (c *HistoryClient) Send(ctx context.Context, req *ws.SendReq) (*chatstore.Message, error) {
	var out chatstore.Message
	var fail map[string]interface{}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		SetError(&fail).
		Post("/api/chat/send")
	if err != nil {
		return nil, fmt.Errorf("chat api: send: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{Status: resp.StatusCode(), Message: string(resp.Body())}
	}
	return &out, nil
}

func (c *HistoryClient) get(ctx context.Context, result interface{}, path string,
	pathParams, query map[string]string) error {
	var fail struct {
		Error string `json:"error"`
	}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParams(pathParams).
		SetQueryParams(query).
		SetResult(result).
		SetError(&fail).
		Get(path)
	if err != nil {
		return fmt.Errorf("chat api: get %s: %w", path, err)
	}
	if resp.IsError() {
		msg := fail.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		return &APIError{Status: resp.StatusCode(), Message: msg}
	}
	return nil
}

// Sync merges the server history with peer into conv.
func (c *HistoryClient) Sync(ctx context.Context, conv *Conversation) (int, error) {
	msgs, err := c.History(ctx, conv.Peer())
	if err != nil {
		return 0, err
	}
	return conv.MergeAll(msgs), nil
}

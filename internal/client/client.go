// Package client talks to the relay server's HTTP API and runs the
// per-message key agreement on top of a local keystore.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/models"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/transparency"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Client is a thin JSON client for the relay API.
type Client struct {
	Base  string
	HTTP  *http.Client
	Token string
}

func New(base string) *Client {
	return &Client{
		Base: strings.TrimRight(base, "/"),
		HTTP: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Register creates an account and keeps the issued token.
func (c *Client) Register(ctx context.Context, username, password string) (*models.AuthResponse, error) {
	var out models.AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", models.Credentials{Username: username, Password: password}, &out); err != nil {
		return nil, err
	}
	c.Token = out.Token
	return &out, nil
}

func (c *Client) Login(ctx context.Context, username, password string) (*models.AuthResponse, error) {
	var out models.AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", models.Credentials{Username: username, Password: password}, &out); err != nil {
		return nil, err
	}
	c.Token = out.Token
	return &out, nil
}

// Logout revokes the token. The server also drops every queued blob to or
// from this user; the count is returned.
func (c *Client) Logout(ctx context.Context) (int64, error) {
	var out struct {
		Purged int64 `json:"purged"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, &out); err != nil {
		return 0, err
	}
	c.Token = ""
	return out.Purged, nil
}

func (c *Client) UploadBundle(ctx context.Context, req models.UploadBundleRequest) error {
	return c.do(ctx, http.MethodPost, "/api/keys/bundle", req, nil)
}

// UploadPreKeys returns how many keys the server accepted. Ids it already
// holds are ignored.
func (c *Client) UploadPreKeys(ctx context.Context, preKeys []models.PreKey) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/keys/prekeys", models.UploadPreKeysRequest{PreKeys: preKeys}, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) PreKeyCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/keys/prekeys/count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// FetchBundle consumes one of the target's one-time prekeys on the server.
// Callers must not retry it blindly.
func (c *Client) FetchBundle(ctx context.Context, username string) (*models.BundleResponse, error) {
	var out models.BundleResponse
	if err := c.do(ctx, http.MethodGet, "/api/keys/bundle/"+url.PathEscape(username), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LookupIdentity returns a peer's directory entry. It does not consume a
// one-time prekey.
func (c *Client) LookupIdentity(ctx context.Context, username string) (*transparency.Lookup, error) {
	var out transparency.Lookup
	if err := c.do(ctx, http.MethodGet, "/api/keys/identity/"+url.PathEscape(username), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DirectoryKey(ctx context.Context) (*transparency.SigningKey, error) {
	var out transparency.SigningKey
	if err := c.do(ctx, http.MethodGet, "/api/transparency/key", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ResetKeys(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/keys", nil, nil)
}

func (c *Client) Send(ctx context.Context, username string, req *models.SendMessageRequest) (*models.SendMessageResponse, error) {
	var out models.SendMessageResponse
	if err := c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(username), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Fetch drains the caller's queue.
func (c *Client) Fetch(ctx context.Context) ([]*models.Message, error) {
	var out models.MessagesResponse
	if err := c.do(ctx, http.MethodGet, "/api/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) CreateGroup(ctx context.Context, name string, members []string) (*models.Group, error) {
	var out models.Group
	if err := c.do(ctx, http.MethodPost, "/api/groups", models.CreateGroupRequest{Name: name, Members: members}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendGroup(ctx context.Context, groupID uuid.UUID, req *models.SendMessageRequest) (*models.GroupSendResponse, error) {
	var out models.GroupSendResponse
	if err := c.do(ctx, http.MethodPost, "/api/groups/"+groupID.String()+"/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Dial opens the push socket.
func (c *Client) Dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.Base + "/api/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("token", c.Token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Method: http.MethodGet, Path: "/api/ws", StatusCode: resp.StatusCode, Message: resp.Status}
		}
		return nil, err
	}
	return conn, nil
}

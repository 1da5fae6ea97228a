// Package chat talks to the external real-time chat backend. The backend
// is treated as an unreliable remote dependency: every call is bounded by
// a timeout and failures surface as free text that errors.go classifies.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/roomsync/pkg/models"
)

// Credentials identify an external chat account and how to act as it.
type Credentials struct {
	UserID      string
	AccessToken string
}

// CreateRoomOptions describes a room to create on the backend.
type CreateRoomOptions struct {
	Name                string
	Topic               string
	Public              bool
	Direct              bool
	InviteUserIDs       []string
	PowerLevelOverrides map[string]int
	HistoryVisibility   string
	GuestAccess         bool
	Encrypted           bool
}

// Client is the capability surface the reconciler consumes. The HTTP
// implementation below is the production one; tests substitute fakes.
type Client interface {
	CreateRoom(ctx context.Context, opts CreateRoomOptions) (string, error)
	InviteUser(ctx context.Context, roomID, userID string) error
	JoinRoom(ctx context.Context, roomID string, creds Credentials) error
	RemoveUser(ctx context.Context, roomID, userID string) error
	SetRoomPowerLevels(ctx context.Context, roomID string, levels map[string]int) error
	CreateUser(ctx context.Context, username, password, displayName string) (Credentials, error)
	FetchMessages(ctx context.Context, roomID string, limit int, pageToken, asUserID string) (*models.MessagePage, error)
	SendMessage(ctx context.Context, roomID, body, formattedBody string, creds Credentials) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

var _ Client = (*HTTPClient)(nil)

// HTTPClient implements Client against the backend's REST API.
type HTTPClient struct {
	httpClient  *http.Client
	baseURL     string
	adminToken  string
	callTimeout time.Duration
	logger      *slog.Logger
}

// ClientOptions configures an HTTPClient.
type ClientOptions struct {
	URL         string
	AdminToken  string
	CallTimeout time.Duration
}

// NewHTTPClient builds a client for one tenant's chat backend.
func NewHTTPClient(opts ClientOptions, logger *slog.Logger) (*HTTPClient, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("chat backend URL is required")
	}
	timeout := opts.CallTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimSuffix(opts.URL, "/"),
		adminToken:  opts.AdminToken,
		callTimeout: timeout,
		logger:      logger,
	}, nil
}

type createRoomRequest struct {
	Name                string         `json:"name"`
	Topic               string         `json:"topic,omitempty"`
	Public              bool           `json:"public"`
	Direct              bool           `json:"direct"`
	Invite              []string       `json:"invite,omitempty"`
	PowerLevelOverrides map[string]int `json:"power_level_overrides,omitempty"`
	HistoryVisibility   string         `json:"history_visibility,omitempty"`
	GuestAccess         bool           `json:"guest_access"`
	Encrypted           bool           `json:"encrypted"`
}

// CreateRoom creates an external room and returns its opaque id.
func (c *HTTPClient) CreateRoom(ctx context.Context, opts CreateRoomOptions) (string, error) {
	var resp struct {
		RoomID string `json:"room_id"`
	}
	req := createRoomRequest{
		Name:                opts.Name,
		Topic:               opts.Topic,
		Public:              opts.Public,
		Direct:              opts.Direct,
		Invite:              opts.InviteUserIDs,
		PowerLevelOverrides: opts.PowerLevelOverrides,
		HistoryVisibility:   opts.HistoryVisibility,
		GuestAccess:         opts.GuestAccess,
		Encrypted:           opts.Encrypted,
	}
	if err := c.do(ctx, "create_room", http.MethodPost, "/api/v1/rooms", c.adminToken, req, &resp); err != nil {
		return "", err
	}
	if resp.RoomID == "" {
		return "", fmt.Errorf("chat backend returned empty room id")
	}
	return resp.RoomID, nil
}

// InviteUser issues an administrative invite. The backend reports an
// existing invite or membership as a free-text error.
func (c *HTTPClient) InviteUser(ctx context.Context, roomID, userID string) error {
	body := map[string]string{"user_id": userID}
	path := fmt.Sprintf("/api/v1/rooms/%s/invite", url.PathEscape(roomID))
	return c.do(ctx, "invite_user", http.MethodPost, path, c.adminToken, body, nil)
}

// JoinRoom joins the room as the user identified by creds.
func (c *HTTPClient) JoinRoom(ctx context.Context, roomID string, creds Credentials) error {
	path := fmt.Sprintf("/api/v1/rooms/%s/join", url.PathEscape(roomID))
	return c.do(ctx, "join_room", http.MethodPost, path, creds.AccessToken, map[string]string{}, nil)
}

// RemoveUser kicks the user out of the room.
func (c *HTTPClient) RemoveUser(ctx context.Context, roomID, userID string) error {
	body := map[string]string{"user_id": userID}
	path := fmt.Sprintf("/api/v1/rooms/%s/kick", url.PathEscape(roomID))
	return c.do(ctx, "remove_user", http.MethodPost, path, c.adminToken, body, nil)
}

// SetRoomPowerLevels pushes per-user power levels into the room.
func (c *HTTPClient) SetRoomPowerLevels(ctx context.Context, roomID string, levels map[string]int) error {
	body := map[string]any{"users": levels}
	path := fmt.Sprintf("/api/v1/rooms/%s/power_levels", url.PathEscape(roomID))
	return c.do(ctx, "set_power_levels", http.MethodPut, path, c.adminToken, body, nil)
}

// CreateUser provisions an account on the backend and returns its
// credentials.
func (c *HTTPClient) CreateUser(ctx context.Context, username, password, displayName string) (Credentials, error) {
	req := map[string]string{
		"username":     username,
		"password":     password,
		"display_name": displayName,
	}
	var resp struct {
		UserID      string `json:"user_id"`
		AccessToken string `json:"access_token"`
	}
	if err := c.do(ctx, "create_user", http.MethodPost, "/api/v1/users", c.adminToken, req, &resp); err != nil {
		return Credentials{}, err
	}
	return Credentials{UserID: resp.UserID, AccessToken: resp.AccessToken}, nil
}

// FetchMessages reads one page of room history. When asUserID is set the
// backend applies that user's visibility.
func (c *HTTPClient) FetchMessages(ctx context.Context, roomID string, limit int, pageToken, asUserID string) (*models.MessagePage, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if pageToken != "" {
		params.Set("from", pageToken)
	}
	if asUserID != "" {
		params.Set("as_user", asUserID)
	}
	path := fmt.Sprintf("/api/v1/rooms/%s/messages", url.PathEscape(roomID))
	if enc := params.Encode(); enc != "" {
		path += "?" + enc
	}

	var resp struct {
		Messages []struct {
			ID            string `json:"id"`
			Sender        string `json:"sender"`
			Body          string `json:"body"`
			FormattedBody string `json:"formatted_body"`
			SentAt        int64  `json:"sent_at_ms"`
		} `json:"messages"`
		NextToken string `json:"next_token"`
	}
	if err := c.do(ctx, "fetch_messages", http.MethodGet, path, c.adminToken, nil, &resp); err != nil {
		return nil, err
	}

	page := &models.MessagePage{
		Messages:       make([]models.Message, 0, len(resp.Messages)),
		NextPageToken:  resp.NextToken,
		ExternalRoomID: roomID,
	}
	for _, m := range resp.Messages {
		page.Messages = append(page.Messages, models.Message{
			ID:            m.ID,
			Sender:        m.Sender,
			Body:          m.Body,
			FormattedBody: m.FormattedBody,
			SentAt:        time.UnixMilli(m.SentAt),
		})
	}
	return page, nil
}

// SendMessage posts a message as the user identified by creds. A random
// transaction id makes backend-side retries deduplicatable.
func (c *HTTPClient) SendMessage(ctx context.Context, roomID, body, formattedBody string, creds Credentials) (string, error) {
	req := map[string]string{
		"body":   body,
		"txn_id": uuid.NewString(),
	}
	if formattedBody != "" {
		req["formatted_body"] = formattedBody
	}
	var resp struct {
		MessageID string `json:"message_id"`
	}
	path := fmt.Sprintf("/api/v1/rooms/%s/messages", url.PathEscape(roomID))
	if err := c.do(ctx, "send_message", http.MethodPost, path, creds.AccessToken, req, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

// Ping checks backend reachability. Used by the manager's health loop.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/api/v1/health", c.adminToken, nil, nil)
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// do performs one bounded request and decodes a JSON response into out
// when out is non-nil. Non-2xx responses become BackendError carrying the
// raw response text for classification.
func (c *HTTPClient) do(ctx context.Context, op, method, path, token string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var reqBody io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", op, err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building %s request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &BackendError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s response: %w", op, err)
		}
	}
	return nil
}

// Package lobbyapi talks to the HTTP API that registers users and creates rooms.
package lobbyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRequestTimeout = 10 * time.Second

var (
	// ErrInvalidClientConfig indicates the client was built with missing settings.
	ErrInvalidClientConfig = errors.New("invalid lobby client configuration")

	errMissingBaseURL = errors.New("missing base url")
	errInvalidName    = errors.New("user name is required")
	errInvalidUserID  = errors.New("user id must be positive")
	errInvalidCode    = errors.New("room code is required")
)

// APIError is a non-2xx response from the lobby API.
type APIError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Operation, e.StatusCode, e.Message)
}

// User is a registered player.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Room describes a room as the lobby reports it.
type Room struct {
	Code             string `json:"code"`
	OwnerID          int64  `json:"ownerId"`
	ParticipantCount int    `json:"participantCount"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Client calls the lobby API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

// NewClient validates cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, timeout: timeout, logger: logger}, nil
}

// AddUser registers a player by display name.
func (c *Client) AddUser(ctx context.Context, name string) (User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, fmt.Errorf("lobbyapi.add_user: %w", errInvalidName)
	}
	var user User
	if err := c.do(ctx, "lobbyapi.add_user", http.MethodPost, "/users/add-user", map[string]string{"name": name}, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

// CreateRoom creates a room owned by userID and returns its code.
func (c *Client) CreateRoom(ctx context.Context, userID int64) (string, error) {
	if userID <= 0 {
		return "", fmt.Errorf("lobbyapi.create_room: %w", errInvalidUserID)
	}
	var created struct {
		Code string `json:"code"`
	}
	if err := c.do(ctx, "lobbyapi.create_room", http.MethodPost, "/rooms/create", map[string]int64{"userId": userID}, &created); err != nil {
		return "", err
	}
	if created.Code == "" {
		return "", fmt.Errorf("lobbyapi.create_room: %w", errInvalidCode)
	}
	return created.Code, nil
}

// JoinRoom adds userID to the room's membership over HTTP. The realtime join still
// happens on the channel.
func (c *Client) JoinRoom(ctx context.Context, userID int64, code string) error {
	code = strings.TrimSpace(code)
	if userID <= 0 {
		return fmt.Errorf("lobbyapi.join_room: %w", errInvalidUserID)
	}
	if code == "" {
		return fmt.Errorf("lobbyapi.join_room: %w", errInvalidCode)
	}
	var reply struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
	}
	body := struct {
		UserID int64  `json:"userId"`
		Code   string `json:"code"`
	}{UserID: userID, Code: code}
	if err := c.do(ctx, "lobbyapi.join_room", http.MethodPost, "/rooms/join", body, &reply); err != nil {
		return err
	}
	if reply.Success != nil && !*reply.Success {
		return &APIError{Operation: "lobbyapi.join_room", StatusCode: http.StatusOK, Message: reply.Message}
	}
	return nil
}

// RoomInfo looks up a room by code.
func (c *Client) RoomInfo(ctx context.Context, code string) (Room, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Room{}, fmt.Errorf("lobbyapi.room_info: %w", errInvalidCode)
	}
	var room Room
	if err := c.do(ctx, "lobbyapi.room_info", http.MethodGet, "/rooms/"+url.PathEscape(code), nil, &room); err != nil {
		return Room{}, err
	}
	return room, nil
}

func (c *Client) do(ctx context.Context, operation, method, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: %w", operation, err)
		}
		reader = bytes.NewReader(encoded)
	}
	var request *http.Request
	var err error
	if reader != nil {
		request, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	} else {
		request, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	request.Header.Set("Accept", "application/json")
	if reader != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("lobby request failed", zap.String("operation", operation), zap.Error(err))
		return fmt.Errorf("%s: %w", operation, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		var failure struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(response.Body).Decode(&failure)
		c.logger.Info("lobby request rejected",
			zap.String("operation", operation),
			zap.Int("status", response.StatusCode),
			zap.String("message", failure.Message))
		return &APIError{Operation: operation, StatusCode: response.StatusCode, Message: failure.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", operation, err)
	}
	return nil
}

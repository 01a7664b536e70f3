// Copyright 2026 The Slackrtm Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
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

	"github.com/slackrtm/slackrtm/rtm"
)

// DefaultBaseURL is the production Web API endpoint.
const DefaultBaseURL = "https://slack.com/api"

// maxResponseSize bounds API response body reads: 64 MB. This exists
// solely to keep a pathological response from exhausting memory; a
// full-team rtm.start snapshot is orders of magnitude smaller.
const maxResponseSize int64 = 64 << 20

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL overrides the API endpoint. Empty means production.
	BaseURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client is an unauthenticated Web API handle. Tokens travel per call
// as ordinary parameters, so one Client serves any number of RTM
// sessions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Web API client.
func NewClient(config ClientConfig) (*Client, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("api: invalid BaseURL %q: %w", baseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Call invokes a Web API method by its two-part name with a flat
// parameter map and returns the decoded response with the "ok" flag
// stripped. ok=false returns a *SlackError carrying the server's
// error code.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	form := url.Values{}
	for key, value := range params {
		encoded, err := encodeParam(value)
		if err != nil {
			return nil, fmt.Errorf("api: encoding parameter %q for %s: %w", key, method, err)
		}
		form.Set(key, encoded)
	}

	requestURL := c.baseURL + "/" + method
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("api: building %s request: %w", method, err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	c.logger.Debug("calling web api method", "method", method)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("api: %s request failed: %w", method, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("api: reading %s response: %w", method, err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, fmt.Errorf("api: %s returned HTTP %d: %s", method, response.StatusCode, body)
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("api: parsing %s response: %w", method, err)
	}

	okValue, ok := result["ok"].(bool)
	if !ok {
		return nil, fmt.Errorf("api: %s response missing boolean ok field", method)
	}
	if !okValue {
		code, _ := result["error"].(string)
		return nil, &SlackError{Method: method, Code: code}
	}

	delete(result, "ok")
	return result, nil
}

// RTMStart performs the session bootstrap: it requests a Real-Time
// Messaging session and returns the stream endpoint plus the starting
// state snapshot.
func (c *Client) RTMStart(ctx context.Context, token string) (*rtm.Snapshot, error) {
	result, err := c.Call(ctx, "rtm.start", map[string]any{"token": token})
	if err != nil {
		return nil, err
	}

	// Round-trip the generic map through JSON into the typed
	// snapshot. rtm.start runs once per connection, so the extra
	// encode is irrelevant next to the network call.
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("api: re-encoding rtm.start response: %w", err)
	}
	var snapshot rtm.Snapshot
	if err := json.Unmarshal(encoded, &snapshot); err != nil {
		return nil, fmt.Errorf("api: parsing rtm.start snapshot: %w", err)
	}
	if snapshot.URL == "" {
		return nil, fmt.Errorf("api: rtm.start response missing stream url")
	}
	return &snapshot, nil
}

// OpenIM opens a direct-message channel with the given user and
// returns the channel id. Opening an already open IM succeeds and
// returns the existing id.
func (c *Client) OpenIM(ctx context.Context, token, userID string) (string, error) {
	result, err := c.Call(ctx, "im.open", map[string]any{
		"token": token,
		"user":  userID,
	})
	if err != nil {
		return "", err
	}

	channel, ok := result["channel"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("api: im.open response missing channel object")
	}
	id, ok := channel["id"].(string)
	if !ok {
		return "", fmt.Errorf("api: im.open channel object missing id")
	}
	return id, nil
}

// PostMessage sends a chat message through chat.postMessage. params
// are the method's parameters minus the token, which is injected
// here.
func (c *Client) PostMessage(ctx context.Context, token string, params map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(params)+1)
	for key, value := range params {
		merged[key] = value
	}
	merged["token"] = token
	return c.Call(ctx, "chat.postMessage", merged)
}

// encodeParam renders one parameter value in the flat form the Web
// API expects: strings as-is, booleans as 1/0, numbers in decimal,
// times as epoch seconds, and anything structured as JSON.
func encodeParam(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case time.Time:
		return strconv.FormatInt(v.Unix(), 10), nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}
}

// Compile-time check: *Client satisfies the engine's facade contract.
var _ rtm.APIClient = (*Client)(nil)

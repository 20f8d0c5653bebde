// clinic-chat - A polling chat client for the clinic messaging API.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package clinicapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout is applied to every request unless the caller's context
	// expires first.
	DefaultTimeout = 10 * time.Second

	maxResponseSize  = 4 << 20
	maxErrorBodySize = 512
)

// TokenSource supplies the bearer token for authenticated calls. Token
// storage itself belongs to the caller.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource with a fixed token.
type StaticToken string

func (t StaticToken) Token() (string, error) {
	return string(t), nil
}

// Client talks to the clinic REST API.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	tokens    TokenSource
	log       zerolog.Logger
	UserAgent string
}

// NewClient creates an API client. baseURL is the API root, e.g.
// https://clinic.example.com/api/; endpoint paths are resolved relative to it.
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration, log zerolog.Logger) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse API base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("API base URL %q must be http or https", baseURL)
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &Client{
		baseURL:   parsed,
		http:      &http.Client{Timeout: timeout},
		tokens:    tokens,
		log:       log.With().Str("component", "clinicapi").Logger(),
		UserAgent: "clinicchat/0.1",
	}, nil
}

// BaseURL returns the normalized API root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, authenticated bool) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s %s body: %w", method, path, err)
		}
		reqBody = bytes.NewReader(data)
	}
	target := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		token, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to get access token: %w", err)
		}
		if token == "" {
			return nil, fmt.Errorf("%w: no access token", ErrUnauthorized)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	c.log.Trace().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Int("size", len(data)).
		Dur("elapsed", time.Since(start)).
		Msg("API request complete")
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s %s", ErrUnauthorized, method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(data) > maxErrorBodySize {
			data = data[:maxErrorBodySize]
		}
		return nil, &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s %s response: %w", method, path, err)
	}
	return data, nil
}

func pageQuery(page, limit int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

// ListConversations returns the current user's conversations.
func (c *Client) ListConversations(ctx context.Context, page, limit int) ([]Conversation, error) {
	data, err := c.do(ctx, http.MethodGet, "conversations", pageQuery(page, limit), nil, true)
	if err != nil {
		return nil, err
	}
	return ParseConversations(data), nil
}

// ListMessages returns one page of a conversation's messages in whatever
// order the server sends them.
func (c *Client) ListMessages(ctx context.Context, conversationID int64, page, limit int) ([]Message, error) {
	path := "conversations/" + strconv.FormatInt(conversationID, 10) + "/messages"
	data, err := c.do(ctx, http.MethodGet, path, pageQuery(page, limit), nil, true)
	if err != nil {
		return nil, err
	}
	return ParseMessages(data), nil
}

// SendMessage posts a message. Leaving ChatID nil lets the server create the
// conversation, whose id is returned in the response.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*SendResponse, error) {
	data, err := c.do(ctx, http.MethodPost, "messages", nil, &req, true)
	if err != nil {
		return nil, err
	}
	resp := ParseSendResponse(data)
	return &resp, nil
}

// SearchStaff lists the clinic's staff accounts.
func (c *Client) SearchStaff(ctx context.Context) ([]Staff, error) {
	data, err := c.do(ctx, http.MethodGet, "staff-search", nil, nil, true)
	if err != nil {
		return nil, err
	}
	return ParseStaff(data), nil
}

// Login exchanges credentials for a bearer token. It does not need a token
// source.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	data, err := c.do(ctx, http.MethodPost, "auth/login", nil, &LoginRequest{Email: email, Password: password}, false)
	if err != nil {
		return nil, err
	}
	resp := ParseLoginResponse(data)
	if resp.Token == "" {
		return nil, fmt.Errorf("login response did not contain a token")
	}
	return &resp, nil
}

// Me returns the user the current token belongs to.
func (c *Client) Me(ctx context.Context) (*User, error) {
	data, err := c.do(ctx, http.MethodGet, "auth/me", nil, nil, true)
	if err != nil {
		return nil, err
	}
	user := ParseUser(data)
	if user.ID == 0 {
		return nil, fmt.Errorf("auth/me response did not contain a user id")
	}
	return &user, nil
}

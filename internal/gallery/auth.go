package gallery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Login exchanges credentials for a Session. The login endpoint answers with a
// flat object rather than the usual envelope.
func (c *Client) Login(ctx context.Context, username, password string) (Session, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return Session{}, errors.New("username and password are required")
	}

	raw, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return Session{}, fmt.Errorf("marshal login request: %w", err)
	}
	req, err := c.newRequest(ctx, nil, http.MethodPost, "/api/user/login", bytes.NewReader(raw), "application/json")
	if err != nil {
		return Session{}, err
	}
	body, err := c.do(req)
	if err != nil {
		return Session{}, err
	}

	var resp struct {
		Session
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Session{}, fmt.Errorf("decode login response: %w", err)
	}
	if !resp.Session.Valid() {
		return Session{}, &APIError{Code: http.StatusUnauthorized, Msg: resp.Msg}
	}
	return resp.Session, nil
}

// Register creates an account. The endpoint answers with a bare message,
// which is surfaced as the error text when registration is refused.
func (c *Client) Register(ctx context.Context, username, password, email string) error {
	if strings.TrimSpace(username) == "" || password == "" || strings.TrimSpace(email) == "" {
		return errors.New("username, password and email are required")
	}

	raw, err := json.Marshal(map[string]string{"username": username, "password": password, "email": email})
	if err != nil {
		return fmt.Errorf("marshal register request: %w", err)
	}
	req, err := c.newRequest(ctx, nil, http.MethodPost, "/api/user/register", bytes.NewReader(raw), "application/json")
	if err != nil {
		return err
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}

	var ok bool
	if json.Unmarshal(body, &ok) == nil && ok {
		return nil
	}
	msg := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if msg == registeredMessage {
		return nil
	}
	return &APIError{Code: http.StatusBadRequest, Msg: msg}
}

const registeredMessage = "注册成功"

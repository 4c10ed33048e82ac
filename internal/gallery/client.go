// Package gallery is a client for the photo gallery backend: authentication,
// listings, tags, AI search, uploads and the save callback used by exports.
//
// The client holds no credentials of its own. Every authenticated call takes
// a Session obtained from Login, and an ErrUnauthorized result means the
// caller should drop that session.
package gallery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrUnauthorized = errors.New("gallery session is invalid or expired")
	ErrNoSession    = errors.New("gallery session is required")
)

// APIError is a response whose envelope code is not 200.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("gallery returned code=%d", e.Code)
	}
	return fmt.Sprintf("gallery returned code=%d: %s", e.Code, e.Msg)
}

// Session is the authenticated identity returned by Login.
type Session struct {
	Token    string `json:"token"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

func (s Session) Valid() bool {
	return strings.TrimSpace(s.Token) != ""
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *zap.Logger
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid gallery base url %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("gallery"),
	}, nil
}

// URL resolves a backend path, leaving absolute URLs untouched.
func (c *Client) URL(p string) string {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(p, "/")
	return u.String()
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) newRequest(ctx context.Context, sess *Session, method, p string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(p), body)
	if err != nil {
		return nil, fmt.Errorf("build gallery request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if sess != nil {
		if !sess.Valid() {
			return nil, ErrNoSession
		}
		req.Header.Set("Authorization", "Bearer "+sess.Token)
	}
	return req, nil
}

// do sends req and returns the raw body of a 2xx response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %w", req.Method, req.URL.Path, err)
	}

	c.logger.Debug("gallery request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%s %s returned status=%d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return body, nil
}

// call sends a JSON request and decodes the envelope's data into out.
func (c *Client) call(ctx context.Context, sess *Session, method, p string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal gallery request: %w", err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := c.newRequest(ctx, sess, method, p, body, contentType)
	if err != nil {
		return err
	}
	raw, err := c.do(req)
	if err != nil {
		return err
	}
	return decodeEnvelope(raw, out)
}

func decodeEnvelope(raw []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode gallery response: %w", err)
	}
	if env.Code != http.StatusOK {
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode gallery data: %w", err)
	}
	return nil
}

const maxResponseBytes = 64 << 20

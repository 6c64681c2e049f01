package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/havinci/havinci-web/internal/credentials"
	"github.com/havinci/havinci-web/internal/models"
)

// Failure classes of a remote call. Every error returned by Havinci wraps exactly one of them.
var (
	// ErrTransport covers network failures and non-2xx responses.
	ErrTransport = errors.New("transport failure")
	// ErrMalformedResponse is returned when the response body is not the expected JSON document.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrMissingField is returned when a well-formed response lacks a required field.
	ErrMissingField = errors.New("missing field")
)

// HavinciConfig locates the remote assistant service. All paths are resolved against BaseURL.
type HavinciConfig struct {
	BaseURL      string
	StatusPath   string
	LoginPath    string
	LogoutPath   string
	LogoutMethod string
	ChatPath     string
	Timeout      time.Duration
}

// Havinci is the HTTP client of the remote assistant service. It relays the browser's cookies found in
// the request context on every call, and records the cookies the service sets in return.
type Havinci struct {
	base *url.URL
	cfg  HavinciConfig

	client *http.Client

	logger *slog.Logger
}

type havinciStatusResponse struct {
	Authenticated bool         `json:"authenticated"`
	User          *models.User `json:"user"`
}

type havinciChatRequest struct {
	Query string `json:"query"`
}

type havinciChatResponse struct {
	Response *string `json:"response"`
}

// NewHavinci creates a client for the service described by cfg. Empty paths and method fall back to the
// service's defaults. It returns an error if the base URL is not an absolute http(s) URL.
func NewHavinci(cfg HavinciConfig, logger *slog.Logger) (Havinci, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return Havinci{}, fmt.Errorf("invalid base url: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return Havinci{}, fmt.Errorf("invalid base url %q: must be an absolute http(s) url", cfg.BaseURL)
	}

	if cfg.StatusPath == "" {
		cfg.StatusPath = "/"
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/auth/google"
	}
	if cfg.LogoutPath == "" {
		cfg.LogoutPath = "/auth/logout"
	}
	if cfg.LogoutMethod == "" {
		cfg.LogoutMethod = http.MethodGet
	}
	cfg.LogoutMethod = strings.ToUpper(cfg.LogoutMethod)
	if cfg.LogoutMethod != http.MethodGet && cfg.LogoutMethod != http.MethodPost {
		return Havinci{}, fmt.Errorf("invalid logout method %q: must be GET or POST", cfg.LogoutMethod)
	}
	if cfg.ChatPath == "" {
		cfg.ChatPath = "/api/chat"
	}

	return Havinci{
		base:   base,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(slog.String("module", "havinci")),
	}, nil
}

// LoginURL returns the address of the identity provider's login entry point.
func (h Havinci) LoginURL() string {
	return h.endpoint(h.cfg.LoginPath)
}

// Status asks the service whether the relayed credentials identify a user. A response without the
// authenticated flag counts as unauthenticated; an authenticated response without a user is an
// ErrMissingField.
func (h Havinci) Status(ctx context.Context) (models.Session, error) {
	resp, err := h.do(ctx, http.MethodGet, h.cfg.StatusPath, nil)
	if err != nil {
		return models.Session{}, err
	}
	defer resp.Body.Close()

	var res havinciStatusResponse
	if err := decode(resp.Body, &res); err != nil {
		return models.Session{}, err
	}
	if !res.Authenticated {
		return models.Session{}, nil
	}
	if res.User == nil {
		return models.Session{}, fmt.Errorf("status: %w: user", ErrMissingField)
	}

	return models.Session{Authenticated: true, User: res.User}, nil
}

// Logout asks the service to end the remote session. The response body is ignored.
func (h Havinci) Logout(ctx context.Context) error {
	resp, err := h.do(ctx, h.cfg.LogoutMethod, h.cfg.LogoutPath, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Chat sends query to the service and returns its answer.
func (h Havinci) Chat(ctx context.Context, query string) (string, error) {
	jsonBody, err := json.Marshal(havinciChatRequest{Query: query})
	if err != nil {
		return "", fmt.Errorf("error marshaling request: %w", err)
	}

	resp, err := h.do(ctx, http.MethodPost, h.cfg.ChatPath, jsonBody)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res havinciChatResponse
	if err := decode(resp.Body, &res); err != nil {
		return "", err
	}
	if res.Response == nil {
		return "", fmt.Errorf("chat: %w: response", ErrMissingField)
	}

	return *res.Response, nil
}

func (h Havinci) endpoint(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return h.base.String()
	}
	return h.base.ResolveReference(ref).String()
}

func (h Havinci) do(ctx context.Context, method, path string, jsonBody []byte) (*http.Response, error) {
	var body io.Reader
	if jsonBody != nil {
		body = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.endpoint(path), body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if jsonBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	creds, hasCreds := credentials.FromContext(ctx)
	if hasCreds {
		creds.Apply(req)
	}

	h.logger.Debug("Sending request",
		slog.String("method", method),
		slog.String("url", req.URL.String()),
		slog.Bool("credentials", hasCreds))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if hasCreds {
		creds.Collect(resp)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: unexpected status code: %d, body: %s", ErrTransport, resp.StatusCode, string(b))
	}

	return resp, nil
}

func decode(r io.Reader, v any) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("%w: error decoding response: %w", ErrMalformedResponse, err)
	}
	return nil
}

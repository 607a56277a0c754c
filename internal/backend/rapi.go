package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
)

// RAPIConfig configures a RAPIClient.
type RAPIConfig struct {
	URL                string
	User               string
	Password           string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// RAPIClient is a Client for the Ganeti remote API, version 2.
type RAPIClient struct {
	baseURL    string
	user       string
	password   string
	timeout    time.Duration
	httpClient *http.Client
}

var _ Client = (*RAPIClient)(nil)

// NewRAPIClient creates a RAPI client.
func NewRAPIClient(cfg RAPIConfig) (*RAPIClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rapi url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse rapi url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in for self-signed clusters
	}
	return &RAPIClient{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		user:       cfg.User,
		password:   cfg.Password,
		timeout:    timeout,
		httpClient: &http.Client{Transport: transport},
	}, nil
}

// withTimeout wraps ctx with the configured RPC timeout.
func (c *RAPIClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// CreateInstance submits an instance creation.
func (c *RAPIClient) CreateInstance(ctx context.Context, req CreateRequest) (int64, error) {
	body := struct {
		Version int    `json:"__version__"`
		Mode    string `json:"mode"`
		CreateRequest
	}{Version: 1, Mode: "create", CreateRequest: req}
	return c.submit(ctx, http.MethodPost, "/2/instances", nil, body)
}

// StartupInstance submits an instance startup.
func (c *RAPIClient) StartupInstance(ctx context.Context, instance string) (int64, error) {
	return c.submit(ctx, http.MethodPut, instancePath(instance, "startup"), nil, nil)
}

// ShutdownInstance submits an instance shutdown.
func (c *RAPIClient) ShutdownInstance(ctx context.Context, instance string) (int64, error) {
	return c.submit(ctx, http.MethodPut, instancePath(instance, "shutdown"), nil, nil)
}

// RebootInstance submits an instance reboot.
func (c *RAPIClient) RebootInstance(ctx context.Context, instance string, rebootType RebootType) (int64, error) {
	q := url.Values{"type": {strings.ToLower(string(rebootType))}}
	return c.submit(ctx, http.MethodPost, instancePath(instance, "reboot"), q, nil)
}

// DeleteInstance submits an instance removal.
func (c *RAPIClient) DeleteInstance(ctx context.Context, instance string) (int64, error) {
	return c.submit(ctx, http.MethodDelete, instancePath(instance, ""), nil, nil)
}

// ModifyInstance submits an instance modification.
func (c *RAPIClient) ModifyInstance(ctx context.Context, instance string, req ModifyRequest) (int64, error) {
	return c.submit(ctx, http.MethodPut, instancePath(instance, "modify"), nil, req)
}

func instancePath(instance, action string) string {
	p := "/2/instances/" + url.PathEscape(instance)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *RAPIClient) submit(ctx context.Context, method, path string, query url.Values, body interface{}) (int64, error) {
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(b)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(opCtx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return 0, fmt.Errorf("%s %s: %w", method, path, apperrors.ErrTimeout)
		}
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("read %s %s: %w", method, path, apperrors.ErrTimeout)
		}
		return 0, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return parseJobID(data)
}

// parseJobID accepts a job id encoded as a JSON number or string.
func parseJobID(data []byte) (int64, error) {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return 0, fmt.Errorf("unexpected job id %q", strings.TrimSpace(string(data)))
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected job id %q: %w", s, err)
	}
	return n, nil
}

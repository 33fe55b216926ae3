package approver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPDirectoryConfig configures the identity-service backed directory.
type HTTPDirectoryConfig struct {
	BaseURL    string
	Path       string // defaults to /directory/resolve
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPDirectory resolves approver specs against the platform identity
// service.
type HTTPDirectory struct {
	baseURL string
	path    string
	client  *http.Client
	retries int
}

// NewHTTPDirectory constructs an HTTPDirectory.
func NewHTTPDirectory(cfg HTTPDirectoryConfig) (*HTTPDirectory, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("directory base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/directory/resolve"
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPDirectory{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		client:  client,
		retries: retries,
	}, nil
}

// ResolveApprovers implements Directory by querying
// GET {base}{path}?tenant=...&kind=...&name=... which returns {"users": [...]}.
func (d *HTTPDirectory) ResolveApprovers(ctx context.Context, tenantID string, spec Spec) ([]string, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Kind == KindUser {
		return []string{spec.UserID}, nil
	}

	name := spec.Role
	if spec.Kind == KindGroup {
		name = spec.Group
	}
	q := url.Values{}
	q.Set("tenant", tenantID)
	q.Set("kind", string(spec.Kind))
	q.Set("name", name)
	endpoint := d.baseURL + d.path + "?" + q.Encode()

	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		users, err := d.fetch(ctx, endpoint)
		if err == nil {
			return users, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("resolve %s for tenant %s: %w", spec, tenantID, lastErr)
}

func (d *HTTPDirectory) fetch(ctx context.Context, endpoint string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build directory request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("directory returned %d", resp.StatusCode)
	}
	var body struct {
		Users []string `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode directory response: %w", err)
	}
	if body.Users == nil {
		return []string{}, nil
	}
	return body.Users, nil
}

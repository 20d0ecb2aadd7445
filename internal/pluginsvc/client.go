// Package pluginsvc is the HTTP client for the DeskForge Plugin Service.
// The runtime uses it to fetch the enabled-plugin list and plugin UI
// bundles; all other Plugin Service operations (install, enable, upload)
// belong to the backend and are not wrapped here.
package pluginsvc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deskforge/plugkit/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.PluginService = (*Client)(nil)

// Client wraps the Plugin Service REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     *TokenSource
	logger     *zap.Logger
}

// NewClient creates a Plugin Service client. The token source may be nil
// for deployments where the runtime shares the backend's network trust
// boundary.
func NewClient(baseURL string, tokens *TokenSource, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		logger:     logger,
	}
}

// ListEnabledPlugins returns all enabled plugins with their manifests,
// ordered by name as the service returns them.
func (c *Client) ListEnabledPlugins(ctx context.Context) ([]plugin.Plugin, error) {
	var plugins []plugin.Plugin
	if err := c.doJSON(ctx, http.MethodGet, "/plugins?enabled=true", &plugins); err != nil {
		return nil, fmt.Errorf("list enabled plugins: %w", err)
	}
	return plugins, nil
}

// FetchBundle downloads a plugin's UI bundle and returns the raw bytes.
// Integrity against the record's bundle hash is the caller's concern;
// use VerifyBundle with the plugin's BundleInfo.
func (c *Client) FetchBundle(ctx context.Context, pluginUUID uuid.UUID) ([]byte, error) {
	path := fmt.Sprintf("/plugins/%s/bundle", pluginUUID)
	req, err := c.newRequest(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch bundle %s: %w", pluginUUID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("plugin service GET %s returned %d", path, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", pluginUUID, err)
	}

	c.logger.Debug("bundle fetched",
		zap.String("plugin_uuid", pluginUUID.String()),
		zap.Int("size", len(data)),
	)
	return data, nil
}

// VerifyBundle checks bundle bytes against the recorded metadata.
func VerifyBundle(data []byte, info *plugin.BundleInfo) error {
	if info == nil {
		return fmt.Errorf("no bundle metadata recorded")
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != info.Hash {
		return fmt.Errorf("bundle hash mismatch: got %s, recorded %s", got, info.Hash)
	}
	if info.Size > 0 && int64(len(data)) != info.Size {
		return fmt.Errorf("bundle size mismatch: got %d, recorded %d", len(data), info.Size)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, result any) error {
	req, err := c.newRequest(ctx, method, path)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("plugin service %s %s returned %d: %s", method, path, resp.StatusCode, string(body))
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// TokenSource mints short-lived service JWTs for runtime-to-backend
// calls. Tokens are reissued when within a minute of expiry.
type TokenSource struct {
	secret []byte
	ttl    time.Duration

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewTokenSource creates a TokenSource with the shared signing secret.
func NewTokenSource(secret []byte, ttl time.Duration) *TokenSource {
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &TokenSource{secret: secret, ttl: ttl}
}

// Token returns a valid signed token, minting a new one if needed.
func (ts *TokenSource) Token() (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now()
	if ts.cached != "" && now.Add(time.Minute).Before(ts.expiresAt) {
		return ts.cached, nil
	}

	claims := jwt.RegisteredClaims{
		Subject:   "plugin-runtime",
		Issuer:    "plugkit",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ts.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.secret)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}

	ts.cached = signed
	ts.expiresAt = now.Add(ts.ttl)
	return signed, nil
}

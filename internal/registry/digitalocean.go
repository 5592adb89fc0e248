package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ligmir/ligship/internal/errs"
)

const (

	// Base URL of the DigitalOcean API.
	DefaultAPIURL = "https://api.digitalocean.com"

	// Lifetime requested for docker credentials.
	DefaultCredentialExpiry = time.Hour

	// Timeout applied to each API and registry request.
	defaultTimeout = 30 * time.Second
)

// Error response from the DigitalOcean API.
type APIError struct {
	StatusCode int    // HTTP status code.
	ID         string // Error identifier from the response body.
	Message    string // Error message from the response body.
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error (%d): %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

// Authenticates against DigitalOcean Container Registry with an API token.
type DigitalOcean struct {
	token        string        // Registry-management access token.
	registryName string        // Registry identifier under the host.
	apiURL       string        // Base URL of the DigitalOcean API.
	registryURL  string        // Base URL of the registry, for the ping.
	host         string        // Registry host the session applies to.
	scope        string        // Token scope requested during the ping. Empty requests none.
	expiry       time.Duration // Requested credential lifetime.
	client       *http.Client  // HTTP client for all requests.
	now          func() time.Time
}

// Configures a [DigitalOcean] authenticator.
type Option func(*DigitalOcean)

// Overrides the DigitalOcean API base URL.
func WithAPIURL(u string) Option {
	return func(d *DigitalOcean) {
		d.apiURL = strings.TrimRight(u, "/")
	}
}

// Overrides the registry base URL used for the ping. The session host is
// taken from the URL.
func WithRegistryURL(u string) Option {
	return func(d *DigitalOcean) {
		d.registryURL = strings.TrimRight(u, "/")
		if parsed, err := url.Parse(u); err == nil && parsed.Host != "" {
			d.host = parsed.Host
		}
	}
}

// Requests push and pull access to repository during the ping.
func WithRepository(repository string) Option {
	return func(d *DigitalOcean) {
		if repository != "" {
			d.scope = "repository:" + repository + ":pull,push"
		}
	}
}

// Sets the requested docker credential lifetime.
func WithCredentialExpiry(expiry time.Duration) Option {
	return func(d *DigitalOcean) {
		d.expiry = expiry
	}
}

// Replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *DigitalOcean) {
		d.client = c
	}
}

// Creates a DigitalOcean authenticator.
func NewDigitalOcean(token, registryName string, opts ...Option) *DigitalOcean {
	d := &DigitalOcean{
		token:        strings.TrimSpace(token),
		registryName: strings.TrimSpace(registryName),
		apiURL:       DefaultAPIURL,
		registryURL:  "https://" + DefaultHost,
		host:         DefaultHost,
		expiry:       DefaultCredentialExpiry,
		client:       &http.Client{Timeout: defaultTimeout},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Exchanges the access token for a registry session.
//
// Fails with [ErrAuthentication] when the token is missing or rejected, or
// when the account does not own the configured registry. Fails with
// [ErrUnreachable] when the API or the registry cannot be reached.
func (d *DigitalOcean) Authenticate(ctx context.Context) (*Session, error) {
	if d.token == "" {
		return nil, errs.Wrapf(ErrAuthentication, "no access token")
	}
	if d.registryName == "" {
		return nil, errs.Wrapf(ErrAuthentication, "no registry name")
	}

	if err := d.checkRegistry(ctx); err != nil {
		return nil, err
	}

	sess, err := d.dockerCredentials(ctx)
	if err != nil {
		return nil, err
	}

	if err := ping(ctx, d.client, d.registryURL, d.scope, sess); err != nil {
		return nil, err
	}

	if d.expiry > 0 {
		deadline := d.now().Add(d.expiry)
		if sess.ExpiresAt.IsZero() || deadline.Before(sess.ExpiresAt) {
			sess.ExpiresAt = deadline
		}
	}

	slog.Debug("registry session established",
		"host", sess.Host,
		"registry", d.registryName,
		"expires", sess.ExpiresAt,
	)

	return sess, nil
}

// Verifies the token and that the account's registry matches registryName.
func (d *DigitalOcean) checkRegistry(ctx context.Context) error {
	var resp struct {
		Registry struct {
			Name string `json:"name"`
		} `json:"registry"`
	}
	if err := d.get(ctx, "/v2/registry", nil, &resp); err != nil {
		return err
	}

	if resp.Registry.Name != d.registryName {
		return errs.Wrapf(ErrAuthentication, "registry %q is not owned by this token", d.registryName)
	}
	return nil
}

// Fetches docker credentials for the registry host.
func (d *DigitalOcean) dockerCredentials(ctx context.Context) (*Session, error) {
	query := url.Values{"read_write": {"true"}}
	if d.expiry > 0 {
		query.Set("expiry_seconds", strconv.Itoa(int(d.expiry/time.Second)))
	}

	var resp struct {
		Auths map[string]struct {
			Auth string `json:"auth"`
		} `json:"auths"`
	}
	if err := d.get(ctx, "/v2/registry/docker-credentials", query, &resp); err != nil {
		return nil, err
	}

	entry, ok := resp.Auths[DefaultHost]
	if !ok {
		for _, e := range resp.Auths {
			entry, ok = e, true
			break
		}
	}
	if !ok || entry.Auth == "" {
		return nil, errs.Wrapf(ErrAuthentication, "no docker credentials returned")
	}

	username, password, err := decodeAuth(entry.Auth)
	if err != nil {
		return nil, errs.Wrap(ErrAuthentication, err)
	}

	return &Session{Host: d.host, Username: username, Password: password}, nil
}

// Sends an authenticated GET to the API and decodes the JSON response.
func (d *DigitalOcean) get(ctx context.Context, path string, query url.Values, v any) error {
	fullURL := d.apiURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return errs.Wrapf(ErrUnreachable, "create request [GET %s]: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+d.token)
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return errs.Wrapf(ErrUnreachable, "GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrapf(ErrUnreachable, "read response [GET %s]: %w", path, err)
	}

	if resp.StatusCode >= 400 {
		return classifyStatus(newAPIError(resp.StatusCode, body))
	}

	if err := json.Unmarshal(body, v); err != nil {
		return errs.Wrapf(ErrUnreachable, "decode response [GET %s]: %w", path, err)
	}
	return nil
}

// Builds an API error from a status code and response body.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var payload struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		apiErr.ID = payload.ID
		apiErr.Message = payload.Message
	}
	return apiErr
}

// Attaches the error class implied by an HTTP status.
//
// Client errors mean the credential was rejected. Server errors mean the
// service could not answer.
func classifyStatus(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 500 {
		return errs.Wrap(ErrUnreachable, err)
	}
	return errs.Wrap(ErrAuthentication, err)
}

// Decodes a base64 "username:password" docker auth string.
func decodeAuth(auth string) (string, string, error) {
	raw, err := base64.StdEncoding.DecodeString(auth)
	if err != nil {
		return "", "", fmt.Errorf("decode docker auth: %w", err)
	}
	username, password, ok := strings.Cut(string(raw), ":")
	if !ok || username == "" {
		return "", "", errors.New("malformed docker auth")
	}
	return username, password, nil
}

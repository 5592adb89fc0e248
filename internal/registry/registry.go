package registry

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ligmir/ligship/internal/errs"
)

// Default registry host.
const DefaultHost = "registry.digitalocean.com"

// Authenticated access to one registry host.
type Session struct {
	Host      string    // Registry host the credentials apply to.
	Username  string    // Docker username.
	Password  string    // Docker password.
	Token     string    // Bearer token from the registry's token service, if any.
	ExpiresAt time.Time // When the session stops being valid. Zero means unknown.
}

// Returns true if the session has an expiry at or before now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Returns a credential callback for the push resolver.
//
// The session's username and password are returned for its own host and
// empty credentials for every other host.
func (s *Session) Credentials() func(host string) (string, string, error) {
	return func(host string) (string, string, error) {
		if !strings.EqualFold(host, s.Host) {
			return "", "", nil
		}
		return s.Username, s.Password, nil
	}
}

// Obtains a registry session.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Session, error)
}

// Authenticates with a fixed username and password.
//
// The credentials are checked against the registry's /v2/ endpoint before
// a session is returned. Missing credentials are rejected unless Anonymous
// is set, in which case no request is made.
type Static struct {
	Host      string       // Registry host. Empty uses [DefaultHost].
	Username  string       // Docker username.
	Password  string       // Docker password. Required when Username is set.
	Scope     string       // Token scope requested during the check. Empty requests none.
	URL       string       // Registry base URL. Empty uses https://Host.
	Client    *http.Client // HTTP client. Nil uses one with the default timeout.
	Anonymous bool         // Accept missing credentials.
}

// Returns a session holding the static credentials once the registry has
// accepted them.
func (s Static) Authenticate(ctx context.Context) (*Session, error) {
	host := s.Host
	if host == "" {
		host = DefaultHost
	}

	switch {
	case s.Username != "" && s.Password == "":
		return nil, errs.Wrapf(ErrAuthentication, "no password for user %q", s.Username)
	case s.Username == "" && !s.Anonymous:
		return nil, errs.Wrapf(ErrAuthentication, "no credentials for %s", host)
	case s.Username == "":
		return &Session{Host: host}, nil
	}

	registryURL := strings.TrimRight(s.URL, "/")
	if registryURL == "" {
		registryURL = "https://" + host
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	sess := &Session{Host: host, Username: s.Username, Password: s.Password}
	if err := ping(ctx, client, registryURL, s.Scope, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

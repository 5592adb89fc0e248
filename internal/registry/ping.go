package registry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/containerd/containerd/v2/core/remotes/docker/auth"
	remoteserrors "github.com/containerd/containerd/v2/core/remotes/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ligmir/ligship/internal/errs"
)

// Checks that the registry accepts the session's credentials.
//
// The registry's /v2/ endpoint is requested anonymously. A 2xx answer means
// no authentication is needed. A 401 carries a challenge: for bearer
// challenges a token is fetched from the realm with the session's
// credentials and stored on the session; for basic challenges the ping is
// repeated with the credentials.
func ping(ctx context.Context, client *http.Client, registryURL, scope string, sess *Session) error {
	resp, err := get(ctx, client, registryURL+"/v2/", nil)
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode != http.StatusUnauthorized:
		return errs.Wrapf(ErrUnreachable, "ping %s: unexpected status %s", registryURL, resp.Status)
	}

	for _, c := range auth.ParseAuthHeader(resp.Header) {
		switch c.Scheme {
		case auth.BearerAuth:
			return fetchToken(ctx, client, c.Parameters, scope, sess)
		case auth.BasicAuth:
			return basicPing(ctx, client, registryURL, sess)
		}
	}

	return errs.Wrapf(ErrAuthentication, "ping %s: no supported challenge", registryURL)
}

// Fetches a bearer token for the challenge and records it on the session.
func fetchToken(ctx context.Context, client *http.Client, params map[string]string, scope string, sess *Session) error {
	opts := auth.TokenOptions{
		Realm:    params["realm"],
		Service:  params["service"],
		Username: sess.Username,
		Secret:   sess.Password,
	}
	if scope != "" {
		opts.Scopes = []string{scope}
	}
	if opts.Realm == "" {
		return errs.Wrapf(ErrAuthentication, "bearer challenge without realm")
	}

	tr, err := auth.FetchToken(ctx, client, nil, opts)
	if err != nil {
		var status remoteserrors.ErrUnexpectedStatus
		if errors.As(err, &status) && status.StatusCode < 500 {
			return errs.Wrap(ErrAuthentication, err)
		}
		return errs.Wrap(ErrUnreachable, err)
	}

	sess.Token = tr.Token
	sess.ExpiresAt = tokenExpiry(tr.Token)
	return nil
}

// Repeats the ping with basic credentials.
func basicPing(ctx context.Context, client *http.Client, registryURL string, sess *Session) error {
	resp, err := get(ctx, client, registryURL+"/v2/", func(req *http.Request) {
		req.SetBasicAuth(sess.Username, sess.Password)
	})
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return errs.Wrapf(ErrUnreachable, "ping %s: unexpected status %s", registryURL, resp.Status)
	default:
		return errs.Wrapf(ErrAuthentication, "ping %s: %s", registryURL, resp.Status)
	}
}

// Sends a GET and discards the response body.
func get(ctx context.Context, client *http.Client, u string, prepare func(*http.Request)) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errs.Wrap(ErrUnreachable, err)
	}
	if prepare != nil {
		prepare(req)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.Wrap(ErrUnreachable, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return resp, nil
}

// Returns the expiry encoded in a JWT bearer token.
//
// The signature is not verified; the registry does that. Tokens that are not
// JWTs or carry no exp claim yield the zero time.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

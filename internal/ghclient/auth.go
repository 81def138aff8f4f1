package ghclient

import (
	"context"
	"net/http"

	"github.com/bradleyfalzon/ghinstallation/v2"
)

// TokenSource supplies the Bearer token for outbound GitHub calls. It is
// never logged (spec.md §4.4.1); callers must route it only through the
// Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource wraps a fixed token, typically sourced from an
// environment variable by the caller (e.g. a personal access token in
// local/dev deployments).
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource wraps token for direct use.
func NewStaticTokenSource(token string) StaticTokenSource {
	return StaticTokenSource{token: token}
}

// Token returns the static token unconditionally.
func (s StaticTokenSource) Token(ctx context.Context) (string, error) {
	return s.token, nil
}

// InstallationTokenSource adapts a GitHub App installation transport
// (token refresh/caching is the external collaborator's job) into a
// TokenSource. This is the narrow interface point spec.md §1 calls
// "app installation token refresh is an external collaborator."
type InstallationTokenSource struct {
	transport *ghinstallation.Transport
}

// NewInstallationTokenSource builds a token source backed by a GitHub
// App installation, refreshing automatically as ghinstallation caches
// and renews tokens internally.
func NewInstallationTokenSource(appID, installationID int64, privateKeyPEM []byte) (*InstallationTokenSource, error) {
	tr, err := ghinstallation.New(http.DefaultTransport, appID, installationID, privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &InstallationTokenSource{transport: tr}, nil
}

// Token returns the current cached installation token, refreshing first
// if it has expired.
func (s *InstallationTokenSource) Token(ctx context.Context) (string, error) {
	return s.transport.Token(ctx)
}

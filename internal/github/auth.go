package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v73/github"
)

// ClientProvider yields an authenticated Client and a clone token for a
// given app installation. Implementations are safe for concurrent use.
type ClientProvider interface {
	For(ctx context.Context, installationID int64) (Client, error)
	Token(ctx context.Context, installationID int64) (string, error)
}

// AppClientProvider authenticates as a GitHub App and creates per-installation
// clients on demand. Installation transports refresh their tokens
// automatically, so clients are cached per installation.
type AppClientProvider struct {
	appTransport *ghinstallation.AppsTransport
	logger       *slog.Logger

	mu         sync.Mutex
	transports map[int64]*ghinstallation.Transport
	clients    map[int64]Client
}

// NewAppClientProvider loads the app's private key and prepares the JWT
// transport used to mint installation tokens.
func NewAppClientProvider(appID int64, privateKeyPath string, logger *slog.Logger) (*AppClientProvider, error) {
	privateKey, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key from %s: %w", privateKeyPath, err)
	}

	appTransport, err := ghinstallation.NewAppsTransport(http.DefaultTransport, appID, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub App transport: %w", err)
	}

	return &AppClientProvider{
		appTransport: appTransport,
		logger:       logger,
		transports:   make(map[int64]*ghinstallation.Transport),
		clients:      make(map[int64]Client),
	}, nil
}

func (p *AppClientProvider) transportFor(installationID int64) *ghinstallation.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	itr, ok := p.transports[installationID]
	if !ok {
		itr = ghinstallation.NewFromAppsTransport(p.appTransport, installationID)
		p.transports[installationID] = itr
	}
	return itr
}

// For returns a Client authenticated as the given installation.
func (p *AppClientProvider) For(_ context.Context, installationID int64) (Client, error) {
	if installationID <= 0 {
		return nil, fmt.Errorf("invalid installation ID %d", installationID)
	}

	p.mu.Lock()
	if client, ok := p.clients[installationID]; ok {
		p.mu.Unlock()
		return client, nil
	}
	p.mu.Unlock()

	itr := p.transportFor(installationID)
	client := NewClient(github.NewClient(&http.Client{Transport: itr}), p.logger)

	p.mu.Lock()
	p.clients[installationID] = client
	p.mu.Unlock()

	p.logger.Info("created GitHub installation client", "installation_id", installationID)
	return client, nil
}

// Token returns a current installation token, minting or refreshing it as
// needed. The job runner uses it to clone private repositories.
func (p *AppClientProvider) Token(ctx context.Context, installationID int64) (string, error) {
	if installationID <= 0 {
		return "", fmt.Errorf("invalid installation ID %d", installationID)
	}
	token, err := p.transportFor(installationID).Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create installation token for installation ID %d: %w", installationID, err)
	}
	return token, nil
}

// PATClientProvider serves a single token-authenticated client regardless of
// installation, for deployments without a GitHub App.
type PATClientProvider struct {
	client Client
	token  string
}

// NewPATClientProvider wraps a personal access token as a ClientProvider.
func NewPATClientProvider(ctx context.Context, token string, logger *slog.Logger) *PATClientProvider {
	return &PATClientProvider{client: NewPATClient(ctx, token, logger), token: token}
}

// For returns the shared PAT client.
func (p *PATClientProvider) For(context.Context, int64) (Client, error) {
	return p.client, nil
}

// Token returns the PAT itself.
func (p *PATClientProvider) Token(context.Context, int64) (string, error) {
	return p.token, nil
}

// Package rpcauth builds the HTTP client used for ledger JSON-RPC calls,
// authenticating it according to the configured mode.
package rpcauth

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"

	"chaintodo/internal/config"
	"chaintodo/internal/ledger"
)

// DefaultGoogleScope is requested in google mode when no scopes are set.
const DefaultGoogleScope = "https://www.googleapis.com/auth/cloud-platform"

// NewHTTPClient returns an HTTP client for the RPC endpoint. The context
// is used for token fetches and must outlive the client.
func NewHTTPClient(ctx context.Context, cfg config.AuthConfig) (*http.Client, error) {
	switch cfg.Mode {
	case "", config.AuthNone:
		return &http.Client{}, nil

	case config.AuthBearer:
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
		return oauth2.NewClient(ctx, ts), nil

	case config.AuthOAuth2:
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		return cc.Client(ctx), nil

	case config.AuthGoogle:
		scopes := cfg.Scopes
		if len(scopes) == 0 {
			scopes = []string{DefaultGoogleScope}
		}
		if cfg.CredentialsFile == "" {
			client, err := google.DefaultClient(ctx, scopes...)
			if err != nil {
				return nil, fmt.Errorf("%w: google credentials: %v", ledger.ErrConnection, err)
			}
			return client, nil
		}
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials file: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, scopes...)
		if err != nil {
			return nil, fmt.Errorf("invalid credentials file: %w", err)
		}
		return oauth2.NewClient(ctx, creds.TokenSource), nil

	case config.AuthGoogleIDToken:
		var opts []option.ClientOption
		if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		client, err := idtoken.NewClient(ctx, cfg.Audience, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: id token client: %v", ledger.ErrConnection, err)
		}
		return client, nil

	default:
		return nil, fmt.Errorf("%w: unknown auth mode %q", config.ErrInvalid, cfg.Mode)
	}
}

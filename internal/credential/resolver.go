// Package credential resolves the source-control token a sandbox uses to
// pull and push, based on how the project's repository is owned.
package credential

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/forgeline/sandboxd/internal/config"
	"github.com/forgeline/sandboxd/internal/crypto"
	"github.com/forgeline/sandboxd/internal/model"
	"github.com/forgeline/sandboxd/internal/store"
)

// ProviderGit is the credential provider key for repository tokens.
const ProviderGit = "git"

var (
	ErrNoCredential      = errors.New("no source-control credential available")
	ErrCredentialExpired = errors.New("source-control credential expired")
)

// Store is the persistence the resolver needs.
type Store interface {
	GetCredentialByProvider(ctx context.Context, projectID, provider string) (*model.Credential, error)
	SaveCredential(ctx context.Context, credential *model.Credential) error
}

// Resolver hands out tokens. First-party repositories use the platform's
// token source; imported repositories use the token stored for the project.
type Resolver struct {
	store    Store
	enc      *crypto.Encryptor
	platform oauth2.TokenSource
}

// NewResolver builds the platform token source from cfg: an OAuth2
// client-credentials grant when a client id and token URL are configured,
// otherwise the static PLATFORM_GIT_TOKEN (if any).
func NewResolver(cfg *config.Config, s Store, enc *crypto.Encryptor) *Resolver {
	r := &Resolver{store: s, enc: enc}
	switch {
	case cfg.GitOAuthClientID != "" && cfg.GitOAuthTokenURL != "":
		cc := &clientcredentials.Config{
			ClientID:     cfg.GitOAuthClientID,
			ClientSecret: cfg.GitOAuthClientSecret,
			TokenURL:     cfg.GitOAuthTokenURL,
		}
		r.platform = oauth2.ReuseTokenSource(nil, cc.TokenSource(context.Background()))
	case cfg.PlatformGitToken != "":
		r.platform = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.PlatformGitToken})
	}
	return r
}

// WithPlatformTokenSource replaces the platform token source.
func (r *Resolver) WithPlatformTokenSource(ts oauth2.TokenSource) *Resolver {
	r.platform = ts
	return r
}

// Resolve returns the access token for project.
func (r *Resolver) Resolve(ctx context.Context, project *model.Project) (string, error) {
	if project.Ownership == model.OwnershipImported {
		return r.projectToken(ctx, project.ID)
	}

	if r.platform == nil {
		return "", ErrNoCredential
	}
	tok, err := r.platform.Token()
	if err != nil {
		return "", fmt.Errorf("failed to obtain platform token: %w", err)
	}
	return tok.AccessToken, nil
}

func (r *Resolver) projectToken(ctx context.Context, projectID string) (string, error) {
	cred, err := r.store.GetCredentialByProvider(ctx, projectID, ProviderGit)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", err
	}

	var tok oauth2.Token
	if err := r.enc.DecryptJSON(cred.EncryptedData, &tok); err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	if !tok.Valid() {
		return "", ErrCredentialExpired
	}
	return tok.AccessToken, nil
}

// Save stores tok for an imported project, replacing any previous token.
func (r *Resolver) Save(ctx context.Context, projectID string, tok *oauth2.Token) error {
	sealed, err := r.enc.EncryptJSON(tok)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	cred, err := r.store.GetCredentialByProvider(ctx, projectID, ProviderGit)
	if errors.Is(err, store.ErrNotFound) {
		cred = &model.Credential{ProjectID: projectID, Provider: ProviderGit}
	} else if err != nil {
		return err
	}
	cred.EncryptedData = sealed
	return r.store.SaveCredential(ctx, cred)
}

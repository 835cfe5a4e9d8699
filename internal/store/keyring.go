package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"
)

const keyringService = "mailcore"

// ErrNoToken is returned when an account has no stored credentials.
var ErrNoToken = errors.New("no stored credentials")

// TokenStore keeps remote API credentials per account.
type TokenStore interface {
	SaveToken(accountID string, token *oauth2.Token) error
	LoadToken(accountID string) (*oauth2.Token, error)
	DeleteToken(accountID string) error
}

// KeyringTokenStore keeps tokens as JSON secrets in the OS keyring, one
// entry per account id.
type KeyringTokenStore struct {
	service string
}

func NewKeyringTokenStore() *KeyringTokenStore {
	return &KeyringTokenStore{service: keyringService}
}

func (k *KeyringTokenStore) SaveToken(accountID string, token *oauth2.Token) error {
	if token == nil || token.AccessToken == "" {
		return fmt.Errorf("refusing to store an empty token for %s", accountID)
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := keyring.Set(k.service, accountID, string(data)); err != nil {
		return fmt.Errorf("failed to write keyring entry for %s: %w", accountID, err)
	}
	return nil
}

// LoadToken returns ErrNoToken when the keyring has no entry for accountID.
func (k *KeyringTokenStore) LoadToken(accountID string) (*oauth2.Token, error) {
	data, err := keyring.Get(k.service, accountID)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", accountID, ErrNoToken)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring entry for %s: %w", accountID, err)
	}
	var token oauth2.Token
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		return nil, fmt.Errorf("corrupt keyring entry for %s: %w", accountID, err)
	}
	return &token, nil
}

// DeleteToken succeeds when there is nothing to delete.
func (k *KeyringTokenStore) DeleteToken(accountID string) error {
	err := keyring.Delete(k.service, accountID)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete keyring entry for %s: %w", accountID, err)
	}
	return nil
}

// HasToken reports whether credentials are stored for accountID.
func HasToken(ts TokenStore, accountID string) bool {
	_, err := ts.LoadToken(accountID)
	return err == nil
}

// TokenSource serves the stored token of accountID. With a config the
// token is refreshed when it expires and every new token is written back,
// so a restart does not need a fresh consent. Without one the token is
// used as-is.
func TokenSource(ts TokenStore, accountID string, cfg *oauth2.Config) (oauth2.TokenSource, error) {
	token, err := ts.LoadToken(accountID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return oauth2.StaticTokenSource(token), nil
	}
	return &persistingSource{
		base:    cfg.TokenSource(context.Background(), token),
		store:   ts,
		account: accountID,
		last:    token.AccessToken,
	}, nil
}

type persistingSource struct {
	base    oauth2.TokenSource
	store   TokenStore
	account string

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	token, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if token.AccessToken != p.last {
		// A failed write only costs a refresh on the next start.
		if err := p.store.SaveToken(p.account, token); err == nil {
			p.last = token.AccessToken
		}
	}
	return token, nil
}

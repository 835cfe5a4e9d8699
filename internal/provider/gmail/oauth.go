package gmail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/lu-zhengda/mailcore/internal/store"
)

const callbackPath = "/oauth/callback"

// consentTimeout bounds how long the loopback listener waits for the browser.
const consentTimeout = 5 * time.Minute

// Client credentials come from [gmail] in the config file or from
// GMAIL_CLIENT_ID and GMAIL_CLIENT_SECRET; none are built in.
var (
	credMu      sync.RWMutex
	oauthConfig = &oauth2.Config{
		Scopes: []string{
			gmailapi.GmailReadonlyScope,
			gmailapi.GmailSendScope,
			gmailapi.GmailModifyScope,
		},
		Endpoint: google.Endpoint,
	}
)

func SetCredentials(clientID, clientSecret string) {
	credMu.Lock()
	defer credMu.Unlock()
	oauthConfig.ClientID = clientID
	oauthConfig.ClientSecret = clientSecret
}

func HasCredentials() bool {
	credMu.RLock()
	defer credMu.RUnlock()
	return oauthConfig.ClientID != "" && oauthConfig.ClientSecret != ""
}

// EnsureCredentials explains where to configure credentials when none are set.
func EnsureCredentials() error {
	if HasCredentials() {
		return nil
	}
	return errors.New("gmail OAuth credentials not configured; set client_id and client_secret under [gmail] in the config file or export GMAIL_CLIENT_ID and GMAIL_CLIENT_SECRET")
}

// configFor returns a copy of the shared config, so concurrent flows never
// race on the redirect URL.
func configFor(redirect string) *oauth2.Config {
	credMu.RLock()
	defer credMu.RUnlock()
	cfg := *oauthConfig
	cfg.Scopes = append([]string(nil), oauthConfig.Scopes...)
	cfg.RedirectURL = redirect
	return &cfg
}

// Authenticate runs the browser consent flow and stores the token for
// accountID. The URL to open is printed to stderr.
func Authenticate(ctx context.Context, accountID string, tokens store.TokenStore) error {
	if err := EnsureCredentials(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, consentTimeout)
	defer cancel()
	token, err := consent(ctx, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to authenticate %s: %w", accountID, err)
	}
	if err := tokens.SaveToken(accountID, token); err != nil {
		return fmt.Errorf("failed to save gmail token: %w", err)
	}
	return nil
}

func consent(ctx context.Context, prompt io.Writer) (*oauth2.Token, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to start callback listener: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	cfg := configFor(fmt.Sprintf("http://127.0.0.1:%d%s", port, callbackPath))
	state := uuid.NewString()

	type result struct {
		code string
		err  error
	}
	results := make(chan result, 1)
	deliver := func(r result) {
		select {
		case results <- r:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(w, "State mismatch. Start the login again.", http.StatusBadRequest)
			deliver(result{err: errors.New("oauth callback state mismatch")})
		case q.Get("code") == "":
			fmt.Fprint(w, "Authorization was not granted. You can close this tab.")
			deliver(result{err: fmt.Errorf("authorization denied: %s", q.Get("error"))})
		default:
			fmt.Fprint(w, "mailcore is authorized. You can close this tab.")
			deliver(result{code: q.Get("code")})
		}
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go server.Serve(listener)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	url := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Fprintf(prompt, "\nOpen this URL in your browser to authorize mailcore:\n\n  %s\n\nWaiting for authorization...\n", url)

	select {
	case r := <-results:
		if r.err != nil {
			return nil, r.err
		}
		token, err := cfg.Exchange(ctx, r.code)
		if err != nil {
			return nil, fmt.Errorf("failed to exchange auth code: %w", err)
		}
		return token, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

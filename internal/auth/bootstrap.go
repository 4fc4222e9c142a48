package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/italolelis/smartcam_backup/internal/ledger"
	"github.com/italolelis/smartcam_backup/internal/logctx"
	"github.com/juju/webbrowser"
	"golang.org/x/oauth2"
)

// Bootstrap runs the one-time authorization code flow when the ledger holds no
// refresh token. HandleCallback must be mounted on the redirect path.
type Bootstrap struct {
	oauth       *oauth2.Config
	ledger      *ledger.Ledger
	httpClient  *http.Client
	openBrowser bool
	state       string

	once sync.Once
	done chan struct{}
}

func NewBootstrap(cfg *oauth2.Config, l *ledger.Ledger, httpClient *http.Client, openBrowser bool) *Bootstrap {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Bootstrap{
		oauth:       cfg,
		ledger:      l,
		httpClient:  httpClient,
		openBrowser: openBrowser,
		state:       uuid.NewString(),
		done:        make(chan struct{}),
	}
}

// Needed reports whether the operator still has to authorize access.
func (b *Bootstrap) Needed() bool {
	_, err := b.ledger.RefreshToken()

	return errors.Is(err, ledger.ErrNoRefreshToken)
}

func (b *Bootstrap) AuthCodeURL() string {
	return b.oauth.AuthCodeURL(b.state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Wait blocks until the callback stored both credentials. It returns at once when
// a refresh token is already present.
func (b *Bootstrap) Wait(ctx context.Context) error {
	if !b.Needed() {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)
	authURL := b.AuthCodeURL()

	logger.InfoContext(ctx, "authorization required, visit the url to grant access", "url", authURL)

	if b.openBrowser {
		if u, err := url.Parse(authURL); err == nil {
			if err := webbrowser.Open(u); err != nil {
				logger.WarnContext(ctx, "could not open a browser", "err", err)
			}
		}
	}

	select {
	case <-b.done:
		logger.InfoContext(ctx, "authorization complete")

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleCallback receives the redirect from the identity provider.
func (b *Bootstrap) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)
	q := r.URL.Query()

	if q.Get("state") != b.state {
		http.Error(w, "invalid state", http.StatusBadRequest)

		return
	}

	if e := q.Get("error"); e != "" {
		logger.WarnContext(ctx, "authorization denied", "error", e)
		http.Error(w, "authorization denied: "+e, http.StatusForbidden)

		return
	}

	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)

		return
	}

	tok, err := b.oauth.Exchange(context.WithValue(ctx, oauth2.HTTPClient, b.httpClient), code)
	if err != nil {
		logger.ErrorContext(ctx, "failed to exchange authorization code", "err", err)
		http.Error(w, "failed to exchange authorization code", http.StatusBadGateway)

		return
	}

	if tok.RefreshToken == "" {
		logger.ErrorContext(ctx, "token response carried no refresh token")
		http.Error(w, "no refresh token in response", http.StatusBadGateway)

		return
	}

	if err := b.ledger.SetCredentials(ctx, tok.AccessToken, tok.RefreshToken); err != nil {
		logger.ErrorContext(ctx, "failed to store credentials", "err", err)
		http.Error(w, "failed to store credentials", http.StatusInternalServerError)

		return
	}

	b.once.Do(func() { close(b.done) })

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><p>Authorization complete. You can close this window.</p></body></html>")
}

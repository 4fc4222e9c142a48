package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/italolelis/smartcam_backup/internal/ledger"
	"github.com/italolelis/smartcam_backup/internal/logctx"
	"github.com/italolelis/smartcam_backup/internal/telemetry"
	"github.com/italolelis/smartcam_backup/internal/transfer"
	"golang.org/x/oauth2"
)

// Refresher exchanges the stored refresh token for a fresh access token.
type Refresher struct {
	oauth      *oauth2.Config
	ledger     *ledger.Ledger
	httpClient *http.Client
	tel        *telemetry.Telemetry
}

func NewRefresher(cfg *oauth2.Config, l *ledger.Ledger, httpClient *http.Client, tel *telemetry.Telemetry) *Refresher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Refresher{oauth: cfg, ledger: l, httpClient: httpClient, tel: tel}
}

// Cycle renews the access token once. The refresh token in the ledger is never replaced.
// A rejected refresh token is a fatal AuthenticationError.
func (r *Refresher) Cycle(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	refreshToken, err := r.ledger.RefreshToken()
	if err != nil {
		r.tel.RecordRefresh(ctx, "error")

		return &transfer.AuthenticationError{Operation: "refresh_token", Fatal: true, Err: err}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	tok, err := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		r.tel.RecordRefresh(ctx, "error")

		return classifyTokenError(err)
	}

	if err := r.ledger.SetAccessToken(ctx, tok.AccessToken); err != nil {
		r.tel.RecordRefresh(ctx, "error")

		return err
	}

	r.tel.RecordRefresh(ctx, "success")

	logger.InfoContext(ctx, "access token refreshed", "expiry", tok.Expiry)

	return nil
}

func classifyTokenError(err error) error {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return &transfer.NetworkError{Operation: "refresh_token", APIMessage: err.Error(), Err: err}
	}

	status := 0
	if rerr.Response != nil {
		status = rerr.Response.StatusCode
	}

	if rerr.ErrorCode == "invalid_grant" || status == http.StatusBadRequest || status == http.StatusUnauthorized {
		return &transfer.AuthenticationError{Operation: "refresh_token", Fatal: true, Err: err}
	}

	return &transfer.NetworkError{
		Operation:  "refresh_token",
		StatusCode: status,
		APIMessage: fmt.Sprintf("token endpoint: %s", rerr.ErrorCode),
		Err:        err,
	}
}

package rest

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/smartcam_backup/internal/logctx"
	"github.com/italolelis/smartcam_backup/internal/storage"
)

const recentLimit = 20

// Ledger is the read side of the ledger the status endpoint reports on.
type Ledger interface {
	Counts() (downloaded, uploaded int)
}

// Backlog is the uploader's view of staged files still waiting for the photo library.
type Backlog interface {
	Pending() ([]string, error)
	Quarantined() []string
}

type StatusResponse struct {
	Downloaded  int              `json:"downloaded"`
	Uploaded    int              `json:"uploaded"`
	Pending     int              `json:"pending"`
	Quarantined []string         `json:"quarantined"`
	Recent      []TransferStatus `json:"recent"`
}

type TransferStatus struct {
	FileName    string    `json:"file_name"`
	Direction   string    `json:"direction"`
	SizeBytes   int64     `json:"size_bytes"`
	RemoteID    string    `json:"remote_id,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

type StatusHandler struct {
	username    string
	password    string
	ledger      Ledger
	history storage.TransferReadRepository
	backlog Backlog
}

// NewStatusHandler serves the backup progress. Basic auth is enforced when username is set.
func NewStatusHandler(username, password string, l Ledger, history storage.TransferReadRepository, backlog Backlog) *StatusHandler {
	return &StatusHandler{
		username: username,
		password: password,
		ledger:   l,
		history:  history,
		backlog:  backlog,
	}
}

func (h *StatusHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/", h.HandleStatus)

	return r
}

func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	downloaded, uploaded := h.ledger.Counts()

	resp := StatusResponse{
		Downloaded:  downloaded,
		Uploaded:    uploaded,
		Quarantined: []string{},
		Recent:      []TransferStatus{},
	}

	if h.backlog != nil {
		pending, err := h.backlog.Pending()
		if err != nil {
			logger.ErrorContext(ctx, "failed to list pending files", "err", err)
			http.Error(w, "failed to list pending files", http.StatusInternalServerError)

			return
		}

		resp.Pending = len(pending)
		resp.Quarantined = append(resp.Quarantined, h.backlog.Quarantined()...)
	}

	if h.history != nil {
		records, err := h.history.RecentTransfers(ctx, recentLimit)
		if err != nil {
			logger.ErrorContext(ctx, "failed to read transfer history", "err", err)
			http.Error(w, "failed to read transfer history", http.StatusInternalServerError)

			return
		}

		for _, rec := range records {
			resp.Recent = append(resp.Recent, TransferStatus{
				FileName:    rec.FileName,
				Direction:   string(rec.Direction),
				SizeBytes:   rec.SizeBytes,
				RemoteID:    rec.RemoteID,
				CompletedAt: rec.CompletedAt,
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.ErrorContext(ctx, "failed to encode status response", "err", err)
	}
}

func (h *StatusHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="status"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// Package api exposes the HTTP surface: invoice intake, verification,
// determinations and stats.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dfetterman/taxjimmy/internal/auth"
	"github.com/dfetterman/taxjimmy/internal/db"
	"github.com/dfetterman/taxjimmy/internal/extraction"
	"github.com/dfetterman/taxjimmy/internal/models"
	"github.com/dfetterman/taxjimmy/internal/observability/metrics"
	"github.com/dfetterman/taxjimmy/internal/storage"
	"github.com/dfetterman/taxjimmy/internal/verify"
)

const (
	MaxUploadSize = 10 * 1024 * 1024 // 10MB
	Version       = "1.0.0"
)

// Handler handles HTTP requests for invoice tax verification.
type Handler struct {
	store        *db.Store
	pdfs         *storage.Store // nil when object storage is unavailable
	normalizer   *extraction.Normalizer
	orchestrator *verify.Orchestrator
	authManager  *auth.Manager
	metrics      *metrics.Metrics
	log          zerolog.Logger
	startedAt    time.Time
}

func NewHandler(store *db.Store, pdfs *storage.Store, normalizer *extraction.Normalizer,
	orchestrator *verify.Orchestrator, authManager *auth.Manager, m *metrics.Metrics, log zerolog.Logger) *Handler {
	return &Handler{
		store:        store,
		pdfs:         pdfs,
		normalizer:   normalizer,
		orchestrator: orchestrator,
		authManager:  authManager,
		metrics:      m,
		log:          log.With().Str("component", "api").Logger(),
		startedAt:    time.Now(),
	}
}

// SetupRoutes configures the HTTP routes.
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/api/login", h.Login).Methods("POST")

	router.HandleFunc("/api/invoices", h.CreateInvoice).Methods("POST")
	router.HandleFunc("/api/invoices", h.ListInvoices).Methods("GET")
	router.HandleFunc("/api/invoices/{id}", h.GetInvoice).Methods("GET")
	router.HandleFunc("/api/invoices/{id}/line-items", h.GetLineItems).Methods("GET")
	router.HandleFunc("/api/invoices/{id}/verify-taxes", h.VerifyTaxes).Methods("POST")
	router.HandleFunc("/api/invoices/{id}/determination", h.GetDetermination).Methods("GET")
	router.HandleFunc("/api/invoices/{id}/pdf", h.GetInvoicePDF).Methods("GET")

	router.HandleFunc("/api/stats", h.GetStats).Methods("GET")
	router.HandleFunc("/health", h.Health).Methods("GET")
	router.Handle("/metrics", h.metrics.Handler()).Methods("GET")

	router.Use(h.authManager.Middleware("/health", "/metrics", "/api/login"))
	return router
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login exchanges credentials for a JWT.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.authManager.GenerateToken(user.ID.String(), user.Email, user.Role)
	if err != nil {
		h.log.Error().Err(err).Msg("token generation failed")
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token": token,
		"email": user.Email,
		"role":  user.Role,
	})
}

// CreateInvoice ingests one extracted invoice document. The body is
// either raw extraction JSON, or multipart form data with an
// "extraction" JSON part and an optional "pdf" file part.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	raw, pdf, pdfSize, err := h.readIntake(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if pdf != nil {
		defer pdf.Close()
	}

	inv, err := h.normalizer.Normalize(raw)
	if err != nil {
		if models.IsKind(err, models.ErrMalformedExtraction) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("normalization failed")
		writeError(w, http.StatusInternalServerError, "normalization failed")
		return
	}
	inv.RawExtraction = string(raw)

	if pdf != nil && h.pdfs != nil {
		key, err := h.pdfs.SavePDF(r.Context(), inv.ID.String(), pdf, pdfSize)
		if err != nil {
			// Losing the PDF is not fatal; the extraction still gets stored.
			h.log.Warn().Err(err).Str("invoice_id", inv.ID.String()).Msg("pdf upload failed")
		} else {
			inv.PDFObjectKey = key
		}
	}

	if err := h.store.CreateInvoice(r.Context(), inv); err != nil {
		h.log.Error().Err(err).Msg("storing invoice failed")
		writeError(w, http.StatusInternalServerError, "could not store invoice")
		return
	}

	writeJSON(w, http.StatusCreated, inv)
}

func (h *Handler) readIntake(r *http.Request) (raw []byte, pdf io.ReadCloser, pdfSize int64, err error) {
	contentType := r.Header.Get("Content-Type")
	if len(contentType) >= 19 && contentType[:19] == "multipart/form-data" {
		if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
			return nil, nil, 0, fmt.Errorf("invalid multipart form: %w", err)
		}
		extractionJSON := r.FormValue("extraction")
		if extractionJSON == "" {
			return nil, nil, 0, errors.New("missing extraction part")
		}
		file, header, ferr := r.FormFile("pdf")
		if ferr == nil {
			return []byte(extractionJSON), file, header.Size, nil
		}
		return []byte(extractionJSON), nil, 0, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxUploadSize))
	if err != nil {
		return nil, nil, 0, fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return nil, nil, 0, errors.New("empty request body")
	}
	return body, nil, 0, nil
}

// ListInvoices returns the most recent invoices.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	invoices, err := h.store.ListInvoices(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("listing invoices failed")
		writeError(w, http.StatusInternalServerError, "could not list invoices")
		return
	}
	if invoices == nil {
		invoices = []models.Invoice{}
	}
	writeJSON(w, http.StatusOK, invoices)
}

// GetInvoice returns one invoice with its line items.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.loadInvoice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// GetLineItems returns the line items of one invoice.
func (h *Handler) GetLineItems(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.loadInvoice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, inv.LineItems)
}

// VerifyTaxes runs the full verification pipeline for one invoice and
// returns the resulting determination.
func (h *Handler) VerifyTaxes(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.loadInvoice(w, r)
	if !ok {
		return
	}
	if len(inv.StateCode) != 2 {
		writeError(w, http.StatusBadRequest, "invoice has no valid state code")
		return
	}
	if len(inv.LineItems) == 0 {
		writeError(w, http.StatusBadRequest, "invoice has no line items")
		return
	}

	if err := h.store.UpdateInvoiceStatus(r.Context(), inv.ID.String(), models.InvoiceStatusProcessing, ""); err != nil {
		h.log.Error().Err(err).Msg("marking invoice processing failed")
		writeError(w, http.StatusInternalServerError, "could not start verification")
		return
	}

	det, err := h.orchestrator.VerifyInvoice(r.Context(), inv)
	if err != nil {
		h.log.Error().Err(err).Str("invoice_id", inv.ID.String()).Msg("verification failed")
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	writeJSON(w, http.StatusOK, det)
}

// GetDetermination returns the current determination for an invoice.
func (h *Handler) GetDetermination(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	det, err := h.store.GetDetermination(r.Context(), id)
	if err != nil {
		if models.IsKind(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no determination for this invoice")
			return
		}
		h.log.Error().Err(err).Msg("loading determination failed")
		writeError(w, http.StatusInternalServerError, "could not load determination")
		return
	}
	writeJSON(w, http.StatusOK, det)
}

// GetInvoicePDF redirects to a presigned URL for the stored PDF.
func (h *Handler) GetInvoicePDF(w http.ResponseWriter, r *http.Request) {
	if h.pdfs == nil {
		writeError(w, http.StatusServiceUnavailable, "object storage not configured")
		return
	}
	inv, ok := h.loadInvoice(w, r)
	if !ok {
		return
	}
	if inv.PDFObjectKey == "" {
		writeError(w, http.StatusNotFound, "no pdf stored for this invoice")
		return
	}
	url, err := h.pdfs.PresignedURL(r.Context(), inv.PDFObjectKey)
	if err != nil {
		h.log.Error().Err(err).Msg("presigning pdf url failed")
		writeError(w, http.StatusInternalServerError, "could not generate download url")
		return
	}
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// GetStats returns the current month's aggregates.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.MonthlyStats(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("loading stats failed")
		writeError(w, http.StatusInternalServerError, "could not load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Health reports service liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"version":   Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
	})
}

func (h *Handler) loadInvoice(w http.ResponseWriter, r *http.Request) (*models.Invoice, bool) {
	id := mux.Vars(r)["id"]
	inv, err := h.store.GetInvoice(r.Context(), id)
	if err != nil {
		if models.IsKind(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "invoice not found")
			return nil, false
		}
		h.log.Error().Err(err).Str("invoice_id", id).Msg("loading invoice failed")
		writeError(w, http.StatusInternalServerError, "could not load invoice")
		return nil, false
	}
	return inv, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

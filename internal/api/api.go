// Package api exposes bid submission and the public auction document over
// HTTP. Bidders are authenticated by a front proxy, which passes the bidder
// id in BidderHeader.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/Scandie/openprocurement.auction.dutch/internal/auction"
	"github.com/Scandie/openprocurement.auction.dutch/internal/bid"
	"github.com/Scandie/openprocurement.auction.dutch/internal/document"
	"github.com/Scandie/openprocurement.auction.dutch/internal/scheduler"
	"github.com/Scandie/openprocurement.auction.dutch/internal/telemetry"
)

// BidderHeader carries the authenticated bidder id.
const BidderHeader = "X-Bidder-ID"

// Auction is the part of the lifecycle controller the API needs.
type Auction interface {
	SubmitBid(ctx context.Context, stage int, bidderID string, amount decimal.Decimal) (*document.Stage, error)
	PreparePublicDocument() *document.Auction
}

// BidRequest is the body of a bid submission.
type BidRequest struct {
	Stage  *int            `json:"stage"`
	Amount decimal.Decimal `json:"amount"`
}

// ErrorResponse is returned for every non-2xx answer.
type ErrorResponse struct {
	Error  string     `json:"error,omitempty"`
	Reason bid.Reason `json:"reason,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

type handler struct {
	auction Auction
	logger  *slog.Logger
}

// Register adds the API routes to mux.
func Register(mux *http.ServeMux, a Auction, logger *slog.Logger) {
	h := &handler{auction: a, logger: logger}
	mux.HandleFunc("POST /api/auction/bids", h.submitBid)
	mux.HandleFunc("GET /api/auction", h.publicDocument)
}

// NewHandler returns an instrumented handler serving the API routes.
func NewHandler(a Auction, logger *slog.Logger, tp trace.TracerProvider) http.Handler {
	mux := http.NewServeMux()
	Register(mux, a, logger)
	return otelhttp.NewHandler(mux, "api", otelhttp.WithTracerProvider(tp))
}

func (h *handler) submitBid(w http.ResponseWriter, r *http.Request) {
	bidder := r.Header.Get(BidderHeader)
	if bidder == "" {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing bidder identity"})
		return
	}

	var req BidRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed bid", Detail: err.Error()})
		return
	}
	if req.Stage == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "stage is required"})
		return
	}

	_, err := h.auction.SubmitBid(r.Context(), *req.Stage, bidder, req.Amount)
	var rej *bid.RejectedError
	switch {
	case err == nil:
	case errors.As(err, &rej):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Reason: rej.Reason, Detail: rej.Detail})
		return
	case errors.Is(err, auction.ErrNotPrepared):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "auction not ready"})
		return
	case errors.Is(err, scheduler.ErrStopped):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "auction shutting down"})
		return
	case errors.Is(err, scheduler.ErrCancelled), errors.Is(err, scheduler.ErrFinished):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	default:
		telemetry.LogWithTrace(r.Context(), h.logger).ErrorContext(r.Context(), "submitting bid", slog.String("bidder_id", bidder), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	// Answer with the sanitized stage so other bidders stay anonymous.
	pub := h.auction.PreparePublicDocument()
	if pub == nil || *req.Stage < 0 || *req.Stage >= len(pub.Stages) {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, pub.Stages[*req.Stage])
}

func (h *handler) publicDocument(w http.ResponseWriter, r *http.Request) {
	pub := h.auction.PreparePublicDocument()
	if pub == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "auction not prepared"})
		return
	}
	writeJSON(w, http.StatusOK, pub)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

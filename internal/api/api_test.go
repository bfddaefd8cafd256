package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Scandie/openprocurement.auction.dutch/internal/api"
	"github.com/Scandie/openprocurement.auction.dutch/internal/auction"
	"github.com/Scandie/openprocurement.auction.dutch/internal/bid"
	"github.com/Scandie/openprocurement.auction.dutch/internal/document"
	"github.com/Scandie/openprocurement.auction.dutch/internal/scheduler"
)

// --- mock helpers ---

type mockAuction struct {
	submitErr error
	gotStage  int
	gotBidder string
	gotAmount decimal.Decimal
	public    *document.Auction
}

func (m *mockAuction) SubmitBid(_ context.Context, stage int, bidderID string, amount decimal.Decimal) (*document.Stage, error) {
	m.gotStage, m.gotBidder, m.gotAmount = stage, bidderID, amount
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return &document.Stage{Type: document.BestBid}, nil
}

func (m *mockAuction) PreparePublicDocument() *document.Auction {
	return m.public
}

func publicDoc() *document.Auction {
	return &document.Auction{
		ID:           "UA-1",
		CurrentStage: 1,
		Stages: []document.Stage{
			{Type: document.PreStarted},
			{Type: document.BestBid, Bids: []document.Bid{{BidderID: "1", Amount: decimal.NewFromInt(100)}}},
		},
	}
}

func do(t *testing.T, h http.Handler, method, path, bidder, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bidder != "" {
		req.Header.Set(api.BidderHeader, bidder)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// --- tests ---

func TestSubmitBid(t *testing.T) {
	tests := []struct {
		name       string
		bidder     string
		body       string
		submitErr  error
		wantCode   int
		wantReason bid.Reason
	}{
		{
			name:     "accepted",
			bidder:   "bidder-a",
			body:     `{"stage":1,"amount":"101.50"}`,
			wantCode: http.StatusOK,
		},
		{
			name:     "numeric amount",
			bidder:   "bidder-a",
			body:     `{"stage":1,"amount":101.5}`,
			wantCode: http.StatusOK,
		},
		{
			name:     "missing identity",
			body:     `{"stage":1,"amount":"1"}`,
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "malformed body",
			bidder:   "bidder-a",
			body:     `{"stage":`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "missing stage",
			bidder:   "bidder-a",
			body:     `{"amount":"1"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:       "rejected",
			bidder:     "bidder-a",
			body:       `{"stage":1,"amount":"1"}`,
			submitErr:  &bid.RejectedError{Reason: bid.ReasonNotImproving, Detail: "amount must exceed 100"},
			wantCode:   http.StatusUnprocessableEntity,
			wantReason: bid.ReasonNotImproving,
		},
		{
			name:      "not prepared",
			bidder:    "bidder-a",
			body:      `{"stage":0,"amount":"1"}`,
			submitErr: auction.ErrNotPrepared,
			wantCode:  http.StatusServiceUnavailable,
		},
		{
			name:      "shutting down",
			bidder:    "bidder-a",
			body:      `{"stage":1,"amount":"1"}`,
			submitErr: scheduler.ErrStopped,
			wantCode:  http.StatusServiceUnavailable,
		},
		{
			name:      "cancelled",
			bidder:    "bidder-a",
			body:      `{"stage":1,"amount":"1"}`,
			submitErr: scheduler.ErrCancelled,
			wantCode:  http.StatusConflict,
		},
		{
			name:      "finished",
			bidder:    "bidder-a",
			body:      `{"stage":1,"amount":"1"}`,
			submitErr: fmt.Errorf("submitting: %w", scheduler.ErrFinished),
			wantCode:  http.StatusConflict,
		},
		{
			name:      "internal failure",
			bidder:    "bidder-a",
			body:      `{"stage":0,"amount":"1"}`,
			submitErr: errors.New("boom"),
			wantCode:  http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockAuction{submitErr: tt.submitErr, public: publicDoc()}
			h := api.NewHandler(m, slog.Default(), noop.NewTracerProvider())

			rec := do(t, h, http.MethodPost, "/api/auction/bids", tt.bidder, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("got status %d, want %d: %s", rec.Code, tt.wantCode, rec.Body)
			}
			if tt.wantReason != "" {
				var resp api.ErrorResponse
				if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
					t.Fatal(err)
				}
				if resp.Reason != tt.wantReason {
					t.Errorf("got reason %q, want %q", resp.Reason, tt.wantReason)
				}
			}
			if tt.wantCode == http.StatusOK {
				if m.gotBidder != tt.bidder || m.gotStage != 1 || !m.gotAmount.Equal(decimal.RequireFromString("101.5")) {
					t.Errorf("routed stage=%d bidder=%q amount=%s", m.gotStage, m.gotBidder, m.gotAmount)
				}
				var st document.Stage
				if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
					t.Fatal(err)
				}
				if st.Type != document.BestBid || len(st.Bids) != 1 || st.Bids[0].BidderID != "1" {
					t.Errorf("got stage %+v", st)
				}
			}
		})
	}
}

func TestSubmitBid_WrongMethod(t *testing.T) {
	h := api.NewHandler(&mockAuction{}, slog.Default(), noop.NewTracerProvider())
	rec := do(t, h, http.MethodGet, "/api/auction/bids", "a", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("got status %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestPublicDocument(t *testing.T) {
	t.Run("prepared", func(t *testing.T) {
		h := api.NewHandler(&mockAuction{public: publicDoc()}, slog.Default(), noop.NewTracerProvider())
		rec := do(t, h, http.MethodGet, "/api/auction", "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("got status %d, want %d", rec.Code, http.StatusOK)
		}
		var doc document.Auction
		if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
			t.Fatal(err)
		}
		if doc.ID != "UA-1" || doc.CurrentStage != 1 {
			t.Errorf("got %+v", doc)
		}
	})

	t.Run("not prepared", func(t *testing.T) {
		h := api.NewHandler(&mockAuction{}, slog.Default(), noop.NewTracerProvider())
		rec := do(t, h, http.MethodGet, "/api/auction", "", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("got status %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}

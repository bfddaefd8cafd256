package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Scandie/openprocurement.auction.dutch/internal/clock"
	"github.com/Scandie/openprocurement.auction.dutch/internal/document"
	"github.com/Scandie/openprocurement.auction.dutch/internal/health"
)

var testClk = clock.NewMock(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))

func TestLivenessHandler(t *testing.T) {
	h := health.NewHandler(testClk)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	h.LivenessHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusOK)
	}
	var s health.Status
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s.Status != "ok" {
		t.Errorf("got status %q, want %q", s.Status, "ok")
	}
	if s.Timestamp != "2025-06-15T12:00:00Z" {
		t.Errorf("got timestamp %q", s.Timestamp)
	}
	if s.Auction != nil {
		t.Errorf("got auction %+v without SetAuction", s.Auction)
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name       string
		ready      bool
		checkers   []health.Checker
		wantCode   int
		wantStatus string
	}{
		{
			name:       "not ready",
			ready:      false,
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
		},
		{
			name:       "ready no checkers",
			ready:      true,
			wantCode:   http.StatusOK,
			wantStatus: "ready",
		},
		{
			name:  "ready all checks pass",
			ready: true,
			checkers: []health.Checker{
				{Name: "db", Check: func(ctx context.Context) error { return nil }},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ready",
		},
		{
			name:  "ping check fails",
			ready: true,
			checkers: []health.Checker{
				health.Ping("store", func(ctx context.Context) error { return errors.New("connection refused") }),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
		},
		{
			name:  "cancelled auction not ready",
			ready: true,
			checkers: []health.Checker{
				health.AuctionChecker(func() *document.Auction {
					return &document.Auction{ID: "UA-1", CurrentStage: document.Cancelled}
				}),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
		},
		{
			name:  "running auction ready",
			ready: true,
			checkers: []health.Checker{
				health.AuctionChecker(func() *document.Auction {
					return &document.Auction{ID: "UA-1", CurrentStage: 0}
				}),
			},
			wantCode:   http.StatusOK,
			wantStatus: "ready",
		},
		{
			name:  "ready but check fails",
			ready: true,
			checkers: []health.Checker{
				{Name: "db", Check: func(ctx context.Context) error { return errors.New("connection refused") }},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := health.NewHandler(testClk, tt.checkers...)
			h.SetReady(tt.ready)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

			h.ReadinessHandler().ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantCode)
			}
			var s health.Status
			if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
				t.Fatal(err)
			}
			if s.Status != tt.wantStatus {
				t.Errorf("got status %q, want %q", s.Status, tt.wantStatus)
			}
		})
	}
}

func TestHandler_ReportsAuction(t *testing.T) {
	h := health.NewHandler(testClk)
	h.SetAuction(func() *document.Auction {
		return &document.Auction{
			ID:           "UA-1",
			CurrentStage: 1,
			Stages: []document.Stage{
				{Type: document.PreStarted},
				{Type: document.Dutch},
			},
		}
	})

	rec := httptest.NewRecorder()
	h.LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var s health.Status
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s.Auction == nil {
		t.Fatal("auction status missing")
	}
	if s.Auction.ID != "UA-1" || s.Auction.Stage != 1 || s.Auction.StageType != document.Dutch {
		t.Errorf("got auction %+v", s.Auction)
	}
}

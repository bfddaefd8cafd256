package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Scandie/openprocurement.auction.dutch/internal/clock"
	"github.com/Scandie/openprocurement.auction.dutch/internal/document"
)

// Status represents a health check result.
type Status struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Auction   *AuctionStatus    `json:"auction,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// AuctionStatus summarizes the auction served by this process.
type AuctionStatus struct {
	ID        string             `json:"id"`
	Stage     int                `json:"current_stage"`
	StageType document.StageType `json:"stage_type,omitempty"`
}

// Checker defines a named health check function.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Ping returns a Checker that calls ping, e.g. a store connection check.
func Ping(name string, ping func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: ping}
}

// ErrAuctionCancelled is reported by AuctionChecker for a cancelled auction.
var ErrAuctionCancelled = errors.New("auction cancelled")

// AuctionChecker fails once the auction returned by doc has been cancelled.
func AuctionChecker(doc func() *document.Auction) Checker {
	return Checker{Name: "auction", Check: func(context.Context) error {
		if d := doc(); d != nil && d.IsCancelled() {
			return ErrAuctionCancelled
		}
		return nil
	}}
}

// Handler provides HTTP health check endpoints.
type Handler struct {
	mu       sync.RWMutex
	ready    bool
	checkers []Checker
	auction  func() *document.Auction
	clock    clock.Clock
}

// NewHandler creates a new health handler with the given checkers.
func NewHandler(clk clock.Clock, checkers ...Checker) *Handler {
	return &Handler{checkers: checkers, clock: clk}
}

// SetReady marks the service as ready to receive traffic.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// SetAuction makes both endpoints report the auction returned by doc.
func (h *Handler) SetAuction(doc func() *document.Auction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.auction = doc
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Status{
			Status:    "ok",
			Auction:   h.auctionStatus(),
			Timestamp: h.clock.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadinessHandler returns HTTP 200 if the service is ready.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		ready := h.ready
		h.mu.RUnlock()

		if !ready {
			writeJSON(w, http.StatusServiceUnavailable, Status{
				Status:    "not_ready",
				Timestamp: h.clock.Now().UTC().Format(time.RFC3339),
			})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := make(map[string]string)
		allOK := true
		for _, c := range h.checkers {
			if err := c.Check(ctx); err != nil {
				checks[c.Name] = err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
		}

		status := "ready"
		code := http.StatusOK
		if !allOK {
			status = "not_ready"
			code = http.StatusServiceUnavailable
		}

		writeJSON(w, code, Status{
			Status:    status,
			Checks:    checks,
			Auction:   h.auctionStatus(),
			Timestamp: h.clock.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (h *Handler) auctionStatus() *AuctionStatus {
	h.mu.RLock()
	fn := h.auction
	h.mu.RUnlock()
	if fn == nil {
		return nil
	}
	doc := fn()
	if doc == nil {
		return nil
	}
	s := &AuctionStatus{ID: doc.ID, Stage: doc.CurrentStage}
	if st := doc.Current(); st != nil {
		s.StageType = st.Type
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Package bid validates and records bids against the active auction stage.
// It is the only code that appends to a stage's bid list.
package bid

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Scandie/openprocurement.auction.dutch/internal/document"
)

// Reason names why a bid was rejected. Reasons are shown to bidders.
type Reason string

const (
	ReasonStageMismatch    Reason = "stage_mismatch"
	ReasonBiddingClosed    Reason = "bidding_closed"
	ReasonInvalidAmount    Reason = "invalid_amount"
	ReasonDutchWinner      Reason = "dutch_winner"
	ReasonPriceMismatch    Reason = "price_mismatch"
	ReasonAlreadySubmitted Reason = "already_submitted"
	ReasonNotImproving     Reason = "not_improving"
)

// RejectedError is returned for a submission that breaks a phase rule.
type RejectedError struct {
	Reason Reason
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("bid rejected: %s", e.Reason)
	}
	return fmt.Sprintf("bid rejected: %s: %s", e.Reason, e.Detail)
}

func reject(r Reason, format string, args ...any) *RejectedError {
	return &RejectedError{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// Submission is a bid as received from a bidder.
type Submission struct {
	BidderID string
	Amount   decimal.Decimal
}

// Submit validates sub against the stage at stageIndex and, when it is
// accepted, appends it to that stage with time set to now. The returned
// stage points into doc.
func Submit(doc *document.Auction, stageIndex int, sub Submission, now time.Time) (*document.Stage, error) {
	if doc.IsCancelled() || stageIndex != doc.CurrentStage {
		return nil, reject(ReasonStageMismatch, "stage %d is not active (current %d)", stageIndex, doc.CurrentStage)
	}
	stage := doc.Current()
	if stage == nil {
		return nil, reject(ReasonStageMismatch, "auction is not running")
	}
	if !stage.Type.AcceptsBids() {
		return nil, reject(ReasonBiddingClosed, "%s stage does not accept bids", stage.Type)
	}
	if !sub.Amount.IsPositive() {
		return nil, reject(ReasonInvalidAmount, "amount %s must be positive", sub.Amount)
	}

	b := document.Bid{BidderID: sub.BidderID, Amount: sub.Amount, Time: now}

	switch stage.Type {
	case document.Dutch:
		if holdsDutchWin(doc, sub.BidderID) {
			return nil, reject(ReasonDutchWinner, "bidder already won a dutch round")
		}
		if stage.Amount == nil || !sub.Amount.Equal(*stage.Amount) {
			return nil, reject(ReasonPriceMismatch, "round price is %s", priceOf(stage))
		}
		b.DutchWinner = !hasDutchWinner(stage)
	case document.SealedBid:
		if holdsDutchWin(doc, sub.BidderID) {
			return nil, reject(ReasonDutchWinner, "dutch winner does not take part in sealed bidding")
		}
		for _, prev := range stage.Bids {
			if prev.BidderID == sub.BidderID {
				return nil, reject(ReasonAlreadySubmitted, "sealed bid already recorded")
			}
		}
	case document.BestBid:
		if best, ok := highest(stage.Bids); ok && !sub.Amount.GreaterThan(best) {
			return nil, reject(ReasonNotImproving, "amount must exceed %s", best)
		}
	}

	stage.Bids = append(stage.Bids, b)
	return stage, nil
}

// Results returns each bidder's best offer across the auction, highest
// first. Equal amounts keep the earlier bid first.
func Results(doc *document.Auction) []document.Bid {
	best := make(map[string]document.Bid)
	for _, s := range doc.Stages {
		for _, b := range s.Bids {
			if s.Type == document.Dutch && !b.DutchWinner {
				continue
			}
			cur, ok := best[b.BidderID]
			if !ok || b.Amount.GreaterThan(cur.Amount) {
				best[b.BidderID] = b
			}
		}
	}

	out := make([]document.Bid, 0, len(best))
	for _, b := range best {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Amount.Equal(out[j].Amount) {
			return out[i].Amount.GreaterThan(out[j].Amount)
		}
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].BidderID < out[j].BidderID
	})
	return out
}

func holdsDutchWin(doc *document.Auction, bidderID string) bool {
	for _, s := range doc.Stages {
		if s.Type != document.Dutch {
			continue
		}
		for _, b := range s.Bids {
			if b.DutchWinner && b.BidderID == bidderID {
				return true
			}
		}
	}
	return false
}

func hasDutchWinner(s *document.Stage) bool {
	for _, b := range s.Bids {
		if b.DutchWinner {
			return true
		}
	}
	return false
}

func highest(bids []document.Bid) (decimal.Decimal, bool) {
	if len(bids) == 0 {
		return decimal.Zero, false
	}
	top := bids[0].Amount
	for _, b := range bids[1:] {
		if b.Amount.GreaterThan(top) {
			top = b.Amount
		}
	}
	return top, true
}

func priceOf(s *document.Stage) string {
	if s.Amount == nil {
		return "unset"
	}
	return s.Amount.String()
}

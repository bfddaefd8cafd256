// Package document defines the persisted insider auction aggregate.
package document

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SchemaVersion tags every persisted document.
const SchemaVersion = 1

// Current stage values that are not stage indexes.
const (
	NotStarted = -1
	Cancelled  = -100
)

// Mode selects production or compressed sandbox timings.
type Mode string

const (
	ModeProduction Mode = "production"
	ModeSandbox    Mode = "sandbox"
)

// StageType identifies an auction phase.
type StageType string

const (
	PreStarted   StageType = "pre-started"
	Dutch        StageType = "dutch"
	PreSealedBid StageType = "pre-sealedbid"
	SealedBid    StageType = "sealedbid"
	PreBestBid   StageType = "pre-bestbid"
	BestBid      StageType = "bestbid"
	Announcement StageType = "announcement"
)

// AcceptsBids reports whether bids may be recorded while a stage of this
// type is active.
func (t StageType) AcceptsBids() bool {
	switch t {
	case Dutch, SealedBid, BestBid:
		return true
	default:
		return false
	}
}

// Bid is a single recorded submission.
type Bid struct {
	BidderID    string          `json:"bidder_id"`
	Amount      decimal.Decimal `json:"amount"`
	Time        time.Time       `json:"time"`
	DutchWinner bool            `json:"dutch_winner,omitempty"`
}

// Stage is one phase of the auction plan.
type Stage struct {
	Type     StageType        `json:"type"`
	Start    *time.Time       `json:"start,omitempty"`
	Duration Duration         `json:"duration"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Bids     []Bid            `json:"bids,omitempty"`
}

// End returns the instant the stage is due to finish. ok is false when the
// stage has not been entered or is the announcement. A stage without a
// duration ends when it starts.
func (s Stage) End() (end time.Time, ok bool) {
	if s.Start == nil || s.Type == Announcement {
		return time.Time{}, false
	}
	return s.Start.Add(max(time.Duration(s.Duration), 0)), true
}

// Auction is the single persisted aggregate of one auction run.
type Auction struct {
	SchemaVersion int             `json:"schema_version"`
	ID            string          `json:"id"`
	Revision      string          `json:"revision,omitempty"`
	TenderID      string          `json:"tender_id"`
	Mode          Mode            `json:"mode"`
	Stages        []Stage         `json:"stages"`
	CurrentStage  int             `json:"current_stage"`
	StartDate     time.Time       `json:"start_date"`
	EndDate       *time.Time      `json:"end_date,omitempty"`
	InitialValue  decimal.Decimal `json:"initial_value"`
	Currency      string          `json:"currency,omitempty"`
	SourceData    json.RawMessage `json:"source_data,omitempty"`
	Results       []Bid           `json:"results,omitempty"`
}

// IsCancelled reports whether the cancellation sentinel is set.
func (a *Auction) IsCancelled() bool { return a.CurrentStage == Cancelled }

// IsFinished reports whether the announcement stage has been reached.
func (a *Auction) IsFinished() bool {
	return len(a.Stages) > 0 && a.CurrentStage == len(a.Stages)-1
}

// Current returns the active stage, or nil when the auction is not running.
func (a *Auction) Current() *Stage {
	if a.CurrentStage < 0 || a.CurrentStage >= len(a.Stages) {
		return nil
	}
	return &a.Stages[a.CurrentStage]
}

// IndexOf returns the index of the first stage of type t, or -1.
func (a *Auction) IndexOf(t StageType) int {
	for i, s := range a.Stages {
		if s.Type == t {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy that shares no memory with a.
func (a *Auction) Clone() *Auction {
	if a == nil {
		return nil
	}
	c := *a
	if a.EndDate != nil {
		end := *a.EndDate
		c.EndDate = &end
	}
	if a.SourceData != nil {
		c.SourceData = append(json.RawMessage(nil), a.SourceData...)
	}
	if a.Results != nil {
		c.Results = append([]Bid(nil), a.Results...)
	}
	if a.Stages != nil {
		c.Stages = make([]Stage, len(a.Stages))
		for i, s := range a.Stages {
			c.Stages[i] = s.Clone()
		}
	}
	return &c
}

// Clone returns a deep copy of s.
func (s Stage) Clone() Stage {
	c := s
	if s.Start != nil {
		start := *s.Start
		c.Start = &start
	}
	if s.Amount != nil {
		amount := *s.Amount
		c.Amount = &amount
	}
	if s.Bids != nil {
		c.Bids = append([]Bid(nil), s.Bids...)
	}
	return c
}

// Validate checks the structural invariants of a loaded document.
func (a *Auction) Validate() error {
	if a.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema version %d", a.SchemaVersion)
	}
	if len(a.Stages) == 0 {
		return fmt.Errorf("document %s has no stages", a.ID)
	}
	if a.Stages[0].Type != PreStarted || a.Stages[len(a.Stages)-1].Type != Announcement {
		return fmt.Errorf("document %s has a malformed stage plan", a.ID)
	}
	if a.CurrentStage != Cancelled && (a.CurrentStage < NotStarted || a.CurrentStage >= len(a.Stages)) {
		return fmt.Errorf("document %s current stage %d out of range", a.ID, a.CurrentStage)
	}
	return nil
}

// Duration is a time.Duration persisted as a Go duration string.
type Duration time.Duration

// MarshalJSON encodes d as e.g. "5m0s".
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON decodes a duration string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decoding duration: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

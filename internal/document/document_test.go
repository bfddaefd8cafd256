package document_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Scandie/openprocurement.auction.dutch/internal/document"
)

func sampleDoc() *document.Auction {
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	price := decimal.NewFromInt(35000)
	return &document.Auction{
		SchemaVersion: document.SchemaVersion,
		ID:            "UA-11111",
		Revision:      "1-abc",
		Mode:          document.ModeSandbox,
		CurrentStage:  3,
		StartDate:     start,
		InitialValue:  price,
		SourceData:    json.RawMessage(`{"data":{"tenderID":"UA-11111"}}`),
		Stages: []document.Stage{
			{Type: document.PreStarted, Start: &start, Duration: document.Duration(10 * time.Second)},
			{Type: document.Dutch, Start: &start, Amount: &price, Bids: []document.Bid{
				{BidderID: "bidder-a", Amount: price, Time: start, DutchWinner: true},
			}},
			{Type: document.PreSealedBid, Start: &start},
			{Type: document.SealedBid, Start: &start, Bids: []document.Bid{
				{BidderID: "bidder-b", Amount: decimal.NewFromInt(36000), Time: start},
			}},
			{Type: document.Announcement},
		},
	}
}

func TestClone_Independent(t *testing.T) {
	orig := sampleDoc()
	c := orig.Clone()

	c.Stages[1].Bids[0].BidderID = "changed"
	*c.Stages[0].Start = c.Stages[0].Start.Add(time.Hour)
	c.SourceData[0] = 'X'
	c.Stages = append(c.Stages, document.Stage{Type: document.Announcement})

	if orig.Stages[1].Bids[0].BidderID != "bidder-a" {
		t.Error("clone shares bid slice with original")
	}
	if !orig.Stages[0].Start.Equal(orig.StartDate) {
		t.Error("clone shares stage start pointer with original")
	}
	if orig.SourceData[0] != '{' {
		t.Error("clone shares source data with original")
	}
	if len(orig.Stages) != 5 {
		t.Errorf("original stages = %d, want 5", len(orig.Stages))
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := sampleDoc()
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got document.Auction
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Stages[0].Duration != document.Duration(10*time.Second) {
		t.Errorf("duration = %v, want 10s", time.Duration(got.Stages[0].Duration))
	}
	if !got.Stages[1].Amount.Equal(*orig.Stages[1].Amount) {
		t.Errorf("dutch amount = %s, want %s", got.Stages[1].Amount, orig.Stages[1].Amount)
	}
	if !got.Stages[1].Bids[0].DutchWinner {
		t.Error("dutch winner flag lost")
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(a *document.Auction)
		wantErr bool
	}{
		{name: "valid", mutate: func(a *document.Auction) {}},
		{name: "cancelled is valid", mutate: func(a *document.Auction) { a.CurrentStage = document.Cancelled }},
		{name: "wrong schema", mutate: func(a *document.Auction) { a.SchemaVersion = 99 }, wantErr: true},
		{name: "no stages", mutate: func(a *document.Auction) { a.Stages = nil }, wantErr: true},
		{name: "bad first stage", mutate: func(a *document.Auction) { a.Stages[0].Type = document.Dutch }, wantErr: true},
		{name: "stage out of range", mutate: func(a *document.Auction) { a.CurrentStage = 42 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := sampleDoc()
			tt.mutate(a)
			if err := a.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStageEnd(t *testing.T) {
	a := sampleDoc()
	end, ok := a.Stages[0].End()
	if !ok || !end.Equal(a.StartDate.Add(10*time.Second)) {
		t.Errorf("End() = %v, %v", end, ok)
	}
	if _, ok := a.Stages[4].End(); ok {
		t.Error("announcement stage should have no end")
	}

	instant := a.Stages[0]
	instant.Duration = 0
	end, ok = instant.End()
	if !ok || !end.Equal(*instant.Start) {
		t.Errorf("zero duration End() = %v, %v, want stage start", end, ok)
	}

	instant.Start = nil
	if _, ok := instant.End(); ok {
		t.Error("stage not entered should have no end")
	}
}

func TestPublic(t *testing.T) {
	orig := sampleDoc()
	p := orig.Public()

	if p == orig {
		t.Fatal("Public() returned the live document")
	}
	if p.SourceData != nil {
		t.Error("public document carries the source snapshot")
	}
	if got := p.Stages[1].Bids[0].BidderID; got != "1" {
		t.Errorf("dutch bidder alias = %q, want %q", got, "1")
	}
	if got := p.Stages[3].Bids[0].BidderID; got != "2" {
		t.Errorf("sealed bidder alias = %q, want %q", got, "2")
	}
	if !p.Stages[3].Bids[0].Amount.IsZero() {
		t.Error("sealed amount visible while sealed-bid stage is active")
	}
	if orig.Stages[3].Bids[0].BidderID != "bidder-b" || orig.Stages[3].Bids[0].Amount.IsZero() {
		t.Error("Public() mutated the original document")
	}

	orig.CurrentStage = 4
	p = orig.Public()
	if p.Stages[3].Bids[0].Amount.IsZero() {
		t.Error("sealed amount still hidden after the stage closed")
	}
}

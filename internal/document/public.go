package document

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// Public returns an independent copy suitable for unauthenticated readers.
// Bidder ids are replaced by aliases numbered in order of first appearance,
// the upstream snapshot is dropped and sealed amounts stay hidden until the
// sealed-bid stage is over.
func (a *Auction) Public() *Auction {
	if a == nil {
		return nil
	}
	p := a.Clone()
	p.SourceData = nil

	aliases := make(map[string]string)
	alias := func(id string) string {
		if v, ok := aliases[id]; ok {
			return v
		}
		v := strconv.Itoa(len(aliases) + 1)
		aliases[id] = v
		return v
	}

	for i := range p.Stages {
		s := &p.Stages[i]
		hidden := s.Type == SealedBid && i == p.CurrentStage
		for j := range s.Bids {
			s.Bids[j].BidderID = alias(s.Bids[j].BidderID)
			if hidden {
				s.Bids[j].Amount = decimal.Zero
			}
		}
	}
	for i := range p.Results {
		p.Results[i].BidderID = alias(p.Results[i].BidderID)
	}
	return p
}

// Package plan builds the ordered stage plan of an insider auction.
package plan

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Scandie/openprocurement.auction.dutch/internal/document"
)

// ErrInvalidConfig is returned for plans that cannot be built.
var ErrInvalidConfig = errors.New("invalid stage plan config")

// Config holds the shape and timings of a plan.
type Config struct {
	// DutchSteps is the number of price decrements after the opening
	// round; the plan holds DutchSteps+1 dutch rounds.
	DutchSteps int
	// DutchDuration is split evenly across all dutch rounds.
	DutchDuration time.Duration
	// DownStep is the per-round decrement as a fraction of the initial value.
	DownStep decimal.Decimal

	FirstPause    time.Duration
	EndDutchPause time.Duration
	SealedBid     time.Duration
	EndPhasePause time.Duration
	BestBid       time.Duration
}

// Production returns the production timings.
func Production() Config {
	return Config{
		DutchSteps:    80,
		DutchDuration: 405 * time.Minute,
		DownStep:      decimal.RequireFromString("0.01"),
		FirstPause:    30 * time.Second,
		EndDutchPause: 30 * time.Second,
		SealedBid:     10 * time.Minute,
		EndPhasePause: 20 * time.Second,
		BestBid:       5 * time.Minute,
	}
}

// Sandbox returns compressed timings with ten dutch rounds.
func Sandbox() Config {
	c := Production()
	c.DutchSteps = 9
	c.DutchDuration = 10 * time.Minute
	c.FirstPause = 10 * time.Second
	return c
}

// For returns the default config of a mode.
func For(mode document.Mode) Config {
	if mode == document.ModeSandbox {
		return Sandbox()
	}
	return Production()
}

// Rounds returns the number of dutch rounds.
func (c Config) Rounds() int { return c.DutchSteps + 1 }

// StageCount returns the length of the plan Build produces.
func (c Config) StageCount() int { return c.Rounds() + 6 }

// Validate checks that the config can produce a plan.
func (c Config) Validate() error {
	switch {
	case c.DutchSteps < 0:
		return fmt.Errorf("%w: dutch steps %d", ErrInvalidConfig, c.DutchSteps)
	case c.DutchDuration <= 0:
		return fmt.Errorf("%w: dutch duration %s", ErrInvalidConfig, c.DutchDuration)
	case c.DownStep.IsNegative():
		return fmt.Errorf("%w: down step %s", ErrInvalidConfig, c.DownStep)
	case c.DownStep.Mul(decimal.NewFromInt(int64(c.DutchSteps))).GreaterThanOrEqual(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: %d steps of %s reach zero price", ErrInvalidConfig, c.DutchSteps, c.DownStep)
	case c.FirstPause <= 0, c.EndDutchPause <= 0, c.EndPhasePause <= 0:
		return fmt.Errorf("%w: pauses need a duration", ErrInvalidConfig)
	case c.SealedBid <= 0, c.BestBid <= 0:
		return fmt.Errorf("%w: bidding phases need a duration", ErrInvalidConfig)
	}
	return nil
}

// Build returns the stage plan. Stage start times are left unset; they are
// stamped when a stage is entered. bidderCount is checked but does not
// change the shape of the plan.
func Build(cfg Config, initialValue decimal.Decimal, bidderCount int) ([]document.Stage, error) {
	if bidderCount < 0 {
		return nil, fmt.Errorf("%w: bidder count %d", ErrInvalidConfig, bidderCount)
	}
	if !initialValue.IsPositive() {
		return nil, fmt.Errorf("%w: initial value %s", ErrInvalidConfig, initialValue)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rounds := cfg.Rounds()
	round := cfg.DutchDuration / time.Duration(rounds)
	decrement := initialValue.Mul(cfg.DownStep)

	stages := make([]document.Stage, 0, cfg.StageCount())
	stages = append(stages, document.Stage{Type: document.PreStarted, Duration: document.Duration(cfg.FirstPause)})
	for i := 0; i < rounds; i++ {
		price := initialValue.Sub(decrement.Mul(decimal.NewFromInt(int64(i)))).Round(2)
		stages = append(stages, document.Stage{
			Type:     document.Dutch,
			Duration: document.Duration(round),
			Amount:   &price,
		})
	}
	stages = append(stages,
		document.Stage{Type: document.PreSealedBid, Duration: document.Duration(cfg.EndDutchPause)},
		document.Stage{Type: document.SealedBid, Duration: document.Duration(cfg.SealedBid)},
		document.Stage{Type: document.PreBestBid, Duration: document.Duration(cfg.EndPhasePause)},
		document.Stage{Type: document.BestBid, Duration: document.Duration(cfg.BestBid)},
		document.Stage{Type: document.Announcement},
	)
	return stages, nil
}

// TotalDuration returns the planned time from auction start to announcement.
func TotalDuration(stages []document.Stage) time.Duration {
	var total time.Duration
	for _, s := range stages {
		total += time.Duration(s.Duration)
	}
	return total
}

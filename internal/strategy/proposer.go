package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"tradepipeline/internal/models"
)

const (
	SourceFallback = "fallback"
	SourceRemote   = "remote"
)

var ErrNoCandidates = errors.New("no strategy candidates")

// Proposer produces a bounded list of strategy candidates for a snapshot.
type Proposer interface {
	Name() string
	Propose(ctx context.Context, snap models.MarketSnapshot) ([]models.StrategyCandidate, error)
}

// Normalize drops candidates the backtester cannot run, clamps numeric fields into
// range, removes duplicate names and keeps at most limit entries.
func Normalize(in []models.StrategyCandidate, limit int, source string) []models.StrategyCandidate {
	out := make([]models.StrategyCandidate, 0, len(in))
	seen := map[string]struct{}{}
	for i, c := range in {
		if limit > 0 && len(out) >= limit {
			break
		}
		c.Entry.Kind = strings.ToLower(strings.TrimSpace(c.Entry.Kind))
		switch c.Entry.Kind {
		case models.EntryMACross, models.EntryRSI, models.EntryBreakout:
		default:
			continue
		}
		c.Entry.Side = strings.ToUpper(strings.TrimSpace(c.Entry.Side))
		if c.Entry.Side != models.SideShort {
			c.Entry.Side = models.SideLong
		}
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			c.Name = fmt.Sprintf("%s_%d", c.Entry.Kind, i)
		}
		if _, dup := seen[c.Name]; dup {
			continue
		}
		seen[c.Name] = struct{}{}
		if c.Type == "" {
			c.Type = models.StrategyAIPrediction
		}

		c.Confidence = clamp01(c.Confidence)
		if c.Risk.MaxPositionFraction <= 0 || math.IsNaN(c.Risk.MaxPositionFraction) {
			c.Risk.MaxPositionFraction = 0.1
		}
		c.Risk.MaxPositionFraction = math.Min(c.Risk.MaxPositionFraction, 1)
		c.Risk.StopLossPct = math.Max(c.Risk.StopLossPct, 0)
		c.Risk.TakeProfitPct = math.Max(c.Risk.TakeProfitPct, 0)
		if c.Risk.MaxLeverage < 1 || math.IsNaN(c.Risk.MaxLeverage) {
			c.Risk.MaxLeverage = 1
		}
		if c.Source == "" {
			c.Source = source
		}
		out = append(out, c)
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"tradepipeline/internal/config"
	"tradepipeline/internal/models"
)

const remoteSystemPrompt = `You design short-horizon trading strategies for a rule-based backtester.
Reply with JSON only: {"candidates":[...]} where each candidate has
name, type (TREND_FOLLOWING|MEAN_REVERSION|MARKET_MAKING|ARBITRAGE|AI_PREDICTION),
entry {kind: ma_cross|rsi_threshold|breakout, side: LONG|SHORT, ma_type: sma|ema,
fast_period, slow_period, rsi_period, rsi_low, rsi_high, lookback},
exit {on_opposite, rsi_exit, max_holding_bars},
risk {max_position_fraction (0-1), stop_loss_pct, take_profit_pct, max_leverage},
confidence (0-1) and a one-line rationale.`

// RemoteProposer asks an OpenAI-compatible chat completion endpoint for candidates.
type RemoteProposer struct {
	Client        openai.Client
	Model         string
	Temperature   float64
	MaxCandidates int
	Logger        *zap.Logger
}

func NewRemoteProposer(cfg config.ProposerConfig, apiKey string, logger *zap.Logger) *RemoteProposer {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteProposer{
		Client:        openai.NewClient(opts...),
		Model:         cfg.Model,
		Temperature:   cfg.Temperature,
		MaxCandidates: cfg.MaxCandidates,
		Logger:        logger,
	}
}

func (p *RemoteProposer) Name() string { return SourceRemote }

type proposalRequest struct {
	Snapshot      models.SnapshotSummary `json:"snapshot"`
	RecentCloses  []float64              `json:"recent_closes"`
	MaxCandidates int                    `json:"max_candidates"`
}

func (p *RemoteProposer) Propose(ctx context.Context, snap models.MarketSnapshot) ([]models.StrategyCandidate, error) {
	if p == nil {
		return nil, errors.New("remote proposer not configured")
	}
	req := proposalRequest{
		Snapshot:      snap.Summary(),
		RecentCloses:  recentCloses(snap.Candles, 50),
		MaxCandidates: p.MaxCandidates,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode proposal request: %w", err)
	}

	start := time.Now()
	resp, err := p.Client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(remoteSystemPrompt),
			openai.UserMessage(string(payload)),
		},
		Temperature: openai.Float(p.Temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: %w", ErrNoCandidates)
	}

	raw, err := ParseCandidates(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	out := Normalize(raw, p.MaxCandidates, SourceRemote)
	if len(out) == 0 {
		return nil, ErrNoCandidates
	}
	p.Logger.Debug("remote proposal",
		zap.String("symbol", snap.Symbol),
		zap.Int("raw", len(raw)),
		zap.Int("kept", len(out)),
		zap.Duration("took", time.Since(start)),
	)
	return out, nil
}

// ParseCandidates accepts either {"candidates":[...]} or a bare array, optionally
// wrapped in a markdown code fence.
func ParseCandidates(content string) ([]models.StrategyCandidate, error) {
	body := strings.TrimSpace(content)
	if i := strings.IndexAny(body, "[{"); i > 0 {
		body = body[i:]
	}
	if j := strings.LastIndexAny(body, "]}"); j >= 0 && j < len(body)-1 {
		body = body[:j+1]
	}
	if body == "" {
		return nil, ErrNoCandidates
	}
	if body[0] == '[' {
		var list []models.StrategyCandidate
		if err := json.Unmarshal([]byte(body), &list); err != nil {
			return nil, fmt.Errorf("decode candidates: %w", err)
		}
		return list, nil
	}
	var wrapped struct {
		Candidates []models.StrategyCandidate `json:"candidates"`
	}
	if err := json.Unmarshal([]byte(body), &wrapped); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	return wrapped.Candidates, nil
}

func recentCloses(candles []models.Candle, n int) []float64 {
	if len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

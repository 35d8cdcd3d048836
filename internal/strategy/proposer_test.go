package strategy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tradepipeline/internal/config"
	"tradepipeline/internal/models"
)

func TestFallbackProposer_RegimeOrder(t *testing.T) {
	p := FallbackProposer{}
	up := p.Candidates(models.RegimeTrendingUp)
	if len(up) < 2 || len(up) > 3 {
		t.Fatalf("candidates=%d want 2..3", len(up))
	}
	if up[0].Entry.Kind != models.EntryMACross {
		t.Fatalf("first=%s want=ma_cross in an uptrend", up[0].Entry.Kind)
	}
	ranging := p.Candidates(models.RegimeRanging)
	if ranging[0].Entry.Kind != models.EntryRSI {
		t.Fatalf("first=%s want=rsi_threshold in a range", ranging[0].Entry.Kind)
	}
	down := p.Candidates(models.RegimeTrendingDown)
	if down[0].Entry.Side != models.SideShort {
		t.Fatalf("side=%s want=SHORT in a downtrend", down[0].Entry.Side)
	}
	for _, c := range up {
		if c.Source != SourceFallback {
			t.Fatalf("source=%q want=fallback", c.Source)
		}
	}
}

func TestFallbackProposer_Deterministic(t *testing.T) {
	p := FallbackProposer{MaxCandidates: 2}
	a, _ := p.Propose(context.Background(), models.MarketSnapshot{Regime: models.RegimeHighVol})
	b, _ := p.Propose(context.Background(), models.MarketSnapshot{Regime: models.RegimeHighVol})
	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("len=%d/%d want=2", len(a), len(b))
	}
	for i := range a {
		if a[i].Name != b[i].Name {
			t.Fatalf("order differs at %d: %s vs %s", i, a[i].Name, b[i].Name)
		}
	}
}

func TestNormalize_ClampsAndBounds(t *testing.T) {
	in := []models.StrategyCandidate{
		{Name: "a", Entry: models.EntryRule{Kind: "MA_CROSS", FastPeriod: 5, SlowPeriod: 20}, Confidence: 4, Risk: models.RiskParams{MaxPositionFraction: 3, MaxLeverage: 0}},
		{Name: "bad", Entry: models.EntryRule{Kind: "astrology"}},
		{Name: "a", Entry: models.EntryRule{Kind: models.EntryBreakout, Lookback: 10}},
		{Entry: models.EntryRule{Kind: models.EntryRSI, RSIPeriod: 14, RSILow: 30, RSIHigh: 70}},
		{Name: "overflow", Entry: models.EntryRule{Kind: models.EntryBreakout, Lookback: 5}},
	}
	out := Normalize(in, 2, SourceRemote)
	if len(out) != 2 {
		t.Fatalf("len=%d want=2", len(out))
	}
	a := out[0]
	if a.Entry.Kind != models.EntryMACross || a.Entry.Side != models.SideLong {
		t.Fatalf("entry=%+v want normalized ma_cross LONG", a.Entry)
	}
	if a.Confidence != 1 || a.Risk.MaxPositionFraction != 1 || a.Risk.MaxLeverage != 1 {
		t.Fatalf("clamps not applied: %+v", a)
	}
	if out[1].Name != "rsi_threshold_3" {
		t.Fatalf("generated name=%q want=rsi_threshold_3", out[1].Name)
	}
}

func TestParseCandidates_FencedAndBare(t *testing.T) {
	fenced := "```json\n{\"candidates\":[{\"name\":\"x\",\"entry\":{\"kind\":\"breakout\",\"lookback\":20}}]}\n```"
	got, err := ParseCandidates(fenced)
	if err != nil || len(got) != 1 || got[0].Name != "x" {
		t.Fatalf("got=%+v err=%v", got, err)
	}
	bare := `[{"name":"y","entry":{"kind":"rsi_threshold"}}]`
	got, err = ParseCandidates(bare)
	if err != nil || len(got) != 1 || got[0].Name != "y" {
		t.Fatalf("got=%+v err=%v", got, err)
	}
	if _, err := ParseCandidates("no json here"); err == nil {
		t.Fatalf("err=nil want decode error")
	}
}

func TestRemoteProposer_ChatCompletion(t *testing.T) {
	content := `{"candidates":[{"name":"ema_trend","type":"TREND_FOLLOWING","entry":{"kind":"ma_cross","side":"LONG","ma_type":"ema","fast_period":9,"slow_period":21},"exit":{"on_opposite":true},"risk":{"max_position_fraction":0.2,"stop_loss_pct":2,"take_profit_pct":4,"max_leverage":2},"confidence":0.6}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization=%q want bearer", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	defer srv.Close()

	p := NewRemoteProposer(config.ProposerConfig{BaseURL: srv.URL + "/v1/", Model: "test-model", MaxCandidates: 5}, "test-key", nil)
	got, err := p.Propose(context.Background(), models.MarketSnapshot{Symbol: "BTC-USDT"})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(got) != 1 || got[0].Name != "ema_trend" || got[0].Source != SourceRemote {
		t.Fatalf("got=%+v want one remote ema_trend", got)
	}
}

func TestRemoteProposer_ServerErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewRemoteProposer(config.ProposerConfig{BaseURL: srv.URL + "/v1/", Model: "m"}, "k", nil)
	if _, err := p.Propose(context.Background(), models.MarketSnapshot{}); err == nil {
		t.Fatalf("err=nil want error")
	}
}

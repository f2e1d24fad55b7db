package advisory

import (
	"strings"
	"testing"

	"confluence-trader/internal/indicator"
	"confluence-trader/internal/trade"
)

func TestBuildPromptIncludesSignalFields(t *testing.T) {
	signal := trade.Signal{
		Symbol:     "BTC/USDT:USDT",
		Timeframe:  "15m",
		Direction:  trade.DirectionLong,
		Confidence: 82,
		LongScore:  82,
		ShortScore: 44,
		Entry:      64000,
		Stop:       63200,
		Target:     66100,
		RR:         2.6,
		Reasons:    []string{"EMA多头排列", "MACD柱扩张"},
	}
	ind := indicator.Result{
		Close: 64000,
		EMA20: 63800,
		EMA50: 63100,
		RSI:   61.5,
		ADX:   28.4,
	}

	prompt, err := BuildPrompt(signal, ind)
	if err != nil {
		t.Fatalf("BuildPrompt returned error: %v", err)
	}
	for _, want := range []string{"BTC/USDT:USDT", "15m", "LONG", "EMA多头排列", "stance"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestParseCommentaryExtractsJSON(t *testing.T) {
	raw := "好的，以下是点评结果：\n```json\n{\"stance\":\"AGREE\",\"agreement\":0.8,\"rationale\":\"趋势与动量一致\",\"risk_comment\":\"注意量能衰减\"}\n```"

	commentary, err := parseCommentary(raw)
	if err != nil {
		t.Fatalf("parseCommentary returned error: %v", err)
	}
	if commentary.Stance != "AGREE" {
		t.Fatalf("stance = %q, want AGREE", commentary.Stance)
	}
	if commentary.Agreement != 0.8 {
		t.Fatalf("agreement = %v, want 0.8", commentary.Agreement)
	}
	if err := commentary.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
}

func TestParseCommentaryRejectsNonJSON(t *testing.T) {
	if _, err := parseCommentary("我无法给出点评"); err == nil {
		t.Fatal("expected error for content without JSON")
	}
}

func TestCommentaryValidate(t *testing.T) {
	base := Commentary{Stance: "NEUTRAL", Agreement: 0.5, Rationale: "信号依据不足"}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid commentary rejected: %v", err)
	}

	bad := base
	bad.Stance = "MAYBE"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for invalid stance")
	}

	bad = base
	bad.Agreement = 1.5
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for out-of-range agreement")
	}

	bad = base
	bad.Rationale = "  "
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for empty rationale")
	}
}

package strategy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePresets(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presets.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadPresets(t *testing.T) {
	path := writePresets(t, `
presets:
  - name: steady
    strategy: conservative
    symbols: [R_10, R_25]
    stake: 10
    duration: 5
    duration_unit: t
    min_confidence: 7
    parameters:
      sma_fast: 5
      sma_slow: 15
  - name: fader
    strategy: rsi
    symbols: [R_100]
    stake: 2.5
    duration: 1
    duration_unit: m
    take_profit: 0.6
`)

	presets, err := LoadPresets(path)
	if err != nil {
		t.Fatalf("LoadPresets: %v", err)
	}
	if len(presets) != 2 {
		t.Fatalf("loaded %d presets, want 2", len(presets))
	}

	steady := presets[0]
	if steady.Name != "steady" || steady.Strategy != "conservative" {
		t.Errorf("first preset = %q/%q", steady.Name, steady.Strategy)
	}
	if len(steady.Symbols) != 2 || steady.Symbols[1] != "R_25" {
		t.Errorf("Symbols = %v, want [R_10 R_25]", steady.Symbols)
	}
	if steady.Stake != 10 || steady.MinConfidence != 7 {
		t.Errorf("stake/confidence = %v/%v", steady.Stake, steady.MinConfidence)
	}
	if got := Params(steady.Parameters).Int("sma_fast", 0); got != 5 {
		t.Errorf("sma_fast parameter = %d, want 5", got)
	}

	if s := steady.Build(); s.Name() != "conservative" {
		t.Errorf("Build() = %q, want conservative", s.Name())
	}
	if s := presets[1].Build(); s.Name() != "rsi" {
		t.Errorf("Build() = %q, want rsi", s.Name())
	}
}

func TestLoadPresetsRejectsBadEntries(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown strategy",
			body: "presets:\n  - name: mystery\n    strategy: martingale\n    stake: 5\n",
			want: "unknown strategy",
		},
		{
			name: "missing name",
			body: "presets:\n  - strategy: rsi\n    stake: 5\n",
			want: "name is required",
		},
		{
			name: "negative stake",
			body: "presets:\n  - name: broke\n    strategy: rsi\n    stake: -1\n",
			want: "negative stake",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadPresets(writePresets(t, tc.body))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadPresetsMissingFile(t *testing.T) {
	if _, err := LoadPresets(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestPresetFoldsExitLevelsIntoSignals(t *testing.T) {
	p := Preset{
		Name:       "fade",
		Strategy:   "bollinger",
		TakeProfit: 0.6,
		StopLoss:   0.3,
		Parameters: map[string]any{"period": 4, "std_dev": 1.0},
	}

	sig := p.Build().Analyze("R_100", candlesFrom(100, 100, 100, 100, 90))
	if sig == nil {
		t.Fatal("expected a signal")
	}
	if sig.TakeProfit != 0.6 || sig.StopLoss != 0.3 {
		t.Errorf("exit levels = %v/%v, want 0.6/0.3", sig.TakeProfit, sig.StopLoss)
	}
}

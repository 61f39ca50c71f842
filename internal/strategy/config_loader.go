package strategy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Preset is one named trading setup in a YAML file: which strategy to
// run, on which symbols, with what stake and tuning parameters.
type Preset struct {
	Name          string         `yaml:"name"`
	Strategy      string         `yaml:"strategy"`
	Symbols       []string       `yaml:"symbols"`
	Stake         float64        `yaml:"stake"`
	Duration      int            `yaml:"duration"`
	DurationUnit  string         `yaml:"duration_unit"`
	MinConfidence float64        `yaml:"min_confidence"`
	TakeProfit    float64        `yaml:"take_profit"`
	StopLoss      float64        `yaml:"stop_loss"`
	Parameters    map[string]any `yaml:"parameters"`
}

// PresetFile is the top-level YAML structure.
type PresetFile struct {
	Presets []Preset `yaml:"presets"`
}

// LoadPresets reads and validates presets from a YAML file. A file that
// names an unknown strategy is rejected outright rather than silently
// falling back, unlike New at runtime.
func LoadPresets(path string) ([]Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file PresetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse presets %s: %w", path, err)
	}

	for i, p := range file.Presets {
		if p.Name == "" {
			return nil, fmt.Errorf("preset %d: name is required", i)
		}
		if !Known(p.Strategy) {
			return nil, fmt.Errorf("preset %q: unknown strategy %q (have %v)", p.Name, p.Strategy, Names())
		}
		if p.Stake < 0 {
			return nil, fmt.Errorf("preset %q: negative stake %.2f", p.Name, p.Stake)
		}
	}
	return file.Presets, nil
}

// Build constructs the preset's strategy, folding the preset-level
// take-profit and stop-loss into the strategy parameters so the signal
// carries them.
func (p Preset) Build() Strategy {
	params := make(Params, len(p.Parameters)+2)
	for k, v := range p.Parameters {
		params[k] = v
	}
	if p.TakeProfit > 0 {
		params["take_profit"] = p.TakeProfit
	}
	if p.StopLoss > 0 {
		params["stop_loss"] = p.StopLoss
	}
	return New(p.Strategy, params)
}

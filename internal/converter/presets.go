package converter

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Preset adds extra conversion script arguments for models matching a
// namespace prefix, e.g. tightening opset or task flags per publisher.
type Preset struct {
	Match     string   `yaml:"match"`
	ExtraArgs []string `yaml:"extra_args"`
}

type Presets struct {
	Presets []Preset `yaml:"presets"`
}

// LoadPresets reads presets from a yaml file. A missing file yields empty
// presets, any other read or parse error is fatal.
func LoadPresets(path string) (Presets, error) {
	var presets Presets

	if path == "" {
		return presets, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return presets, nil
		}
		return presets, fmt.Errorf("failed to read presets file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &presets); err != nil {
		return presets, fmt.Errorf("failed to parse presets file %s: %w", path, err)
	}

	return presets, nil
}

func (p Presets) ArgsFor(modelId string) []string {
	var args []string
	for _, preset := range p.Presets {
		if preset.Match == "" || strings.HasPrefix(modelId, preset.Match) {
			args = append(args, preset.ExtraArgs...)
		}
	}
	return args
}

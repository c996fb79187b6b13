package converter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// Converter invokes the external conversion script shipped with the toolkit.
// It never inspects the produced graphs; the script's exit status is the only
// success signal.
type Converter struct {
	toolkitDir string
	python     string
	presets    Presets
}

type Result struct {
	ExitCode int

	// Output is the combined stdout and stderr of the conversion process.
	Output string
}

func New(toolkitDir, python string, presets Presets) *Converter {
	if python == "" {
		python = "python3"
	}
	return &Converter{toolkitDir: toolkitDir, python: python, presets: presets}
}

// OutputDir is where the conversion script writes the files for a model.
func (c *Converter) OutputDir(modelId string) string {
	return filepath.Join(c.toolkitDir, "models", modelId)
}

func (c *Converter) Convert(ctx context.Context, modelId string, quantize bool) (Result, error) {
	args := []string{"-m", "scripts.convert"}
	if quantize {
		args = append(args, "--quantize")
	}
	args = append(args, c.presets.ArgsFor(modelId)...)
	args = append(args, "--model_id", modelId)

	cmd := exec.CommandContext(ctx, c.python, args...)
	cmd.Dir = c.toolkitDir
	// Scrubbed environment: the script only needs to resolve its interpreter
	// and write under the toolkit directory.
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}

	slog.Info("starting conversion", "model_id", modelId, "args", args)

	output, err := cmd.CombinedOutput()
	result := Result{Output: string(output)}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed to run conversion process: %w", err)
	}

	return result, nil
}

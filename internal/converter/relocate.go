package converter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const OnnxFolder = "onnx"

type Artifact struct {
	Name string
	Path string
	Size int64
}

// RelocateArtifacts moves every .onnx file in outputDir into its onnx/
// subfolder, overwriting existing files. After a successful call no .onnx
// file remains directly under outputDir.
func RelocateArtifacts(outputDir string) ([]Artifact, error) {
	onnxDir := filepath.Join(outputDir, OnnxFolder)
	if err := os.MkdirAll(onnxDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create onnx folder: %w", err)
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversion output %s: %w", outputDir, err)
	}

	var artifacts []Artifact
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".onnx") {
			continue
		}

		dest := filepath.Join(onnxDir, entry.Name())
		if err := os.Rename(filepath.Join(outputDir, entry.Name()), dest); err != nil {
			return nil, fmt.Errorf("failed to move %s into onnx folder: %w", entry.Name(), err)
		}

		info, err := os.Stat(dest)
		if err != nil {
			return nil, fmt.Errorf("failed to stat relocated file %s: %w", entry.Name(), err)
		}

		artifacts = append(artifacts, Artifact{Name: entry.Name(), Path: dest, Size: info.Size()})
	}

	return artifacts, nil
}

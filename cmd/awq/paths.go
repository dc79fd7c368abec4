package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/awq/internal/adapter"
	"github.com/samcharles93/awq/internal/model"
)

const envOutDir = "AWQ_OUT_DIR"

// resolveOut picks the output file for a model directory. An explicit flag
// wins; otherwise the file is named after the model under $AWQ_OUT_DIR or
// ./out. The parent directory is created.
func resolveOut(modelDir, outFlag, suffix string) (string, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" {
		out := filepath.Clean(outFlag)
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return "", err
		}
		return out, nil
	}

	base := filepath.Base(filepath.Clean(modelDir))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("cannot derive an output name from %q; set --out", modelDir)
	}

	dir := strings.TrimSpace(os.Getenv(envOutDir))
	if dir == "" {
		dir = filepath.Join(".", "out")
	}
	out := filepath.Join(dir, base+suffix)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", err
	}
	return out, nil
}

// loadModel opens a Hugging Face model directory or a quantized .mcf file.
func loadModel(path string) (*model.Model, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		m, _, err := adapter.Load(path)
		return m, err
	}
	if strings.EqualFold(filepath.Ext(path), ".mcf") {
		return model.LoadQuantized(path)
	}
	return nil, fmt.Errorf("%s: expected a model directory or a .mcf file", path)
}

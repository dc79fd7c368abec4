package calib

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Dataset defaults used when a caller leaves a field zero.
const (
	DefaultSamples = 128
	DefaultSeqLen  = 512
)

var ErrEmptyDataset = errors.New("calibration dataset has no usable sequences")

// LoadDataset reads pre-tokenized sequences from path and cuts them into
// blocks of seqLen tokens, keeping at most nSamples blocks.
//
// The format follows the extension: .json holds an array of token arrays,
// .jsonl one array or {"tokens": [...]} object per line, anything else one
// whitespace-separated sequence per line.
func LoadDataset(path string, nSamples, seqLen int) ([][]int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration data: %w", err)
	}
	var seqs [][]int
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		seqs, err = parseJSON(raw)
	case ".jsonl", ".ndjson":
		seqs, err = parseJSONLines(raw)
	default:
		seqs, err = parseText(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return Blocks(seqs, nSamples, seqLen)
}

// Blocks splits every sequence into consecutive seqLen-token blocks.
// Sequences shorter than seqLen and trailing partial blocks are dropped.
func Blocks(seqs [][]int, nSamples, seqLen int) ([][]int, error) {
	if nSamples <= 0 {
		nSamples = DefaultSamples
	}
	if seqLen <= 0 {
		seqLen = DefaultSeqLen
	}
	var out [][]int
	for _, s := range seqs {
		for off := 0; off+seqLen <= len(s); off += seqLen {
			out = append(out, s[off:off+seqLen])
			if len(out) == nSamples {
				return out, nil
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w (need sequences of at least %d tokens)", ErrEmptyDataset, seqLen)
	}
	return out, nil
}

func parseJSON(raw []byte) ([][]int, error) {
	var seqs [][]int
	if err := json.Unmarshal(raw, &seqs); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return seqs, nil
}

type jsonlRecord struct {
	Tokens []int `json:"tokens"`
}

func parseJSONLines(raw []byte) ([][]int, error) {
	var seqs [][]int
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 1<<16), 1<<26)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		if b[0] == '[' {
			var s []int
			if err := json.Unmarshal(b, &s); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			seqs = append(seqs, s)
			continue
		}
		var rec jsonlRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		seqs = append(seqs, rec.Tokens)
	}
	return seqs, sc.Err()
}

func parseText(raw []byte) ([][]int, error) {
	var seqs [][]int
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 1<<16), 1<<26)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		s := make([]int, len(fields))
		for i, f := range fields {
			v, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			s[i] = v
		}
		seqs = append(seqs, s)
	}
	return seqs, sc.Err()
}

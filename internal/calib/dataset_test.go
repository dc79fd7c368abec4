package calib

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadDatasetFormats(t *testing.T) {
	t.Parallel()

	want := [][]int{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10, 11, 12}}
	tests := []struct {
		name string
		file string
		body string
	}{
		{"json", "calib.json", `[[1,2,3,4,5,6,7,8],[9,10,11,12,13]]`},
		{"jsonl arrays", "calib.jsonl", "[1,2,3,4,5,6,7,8]\n\n[9,10,11,12,13]\n"},
		{"jsonl objects", "calib.ndjson", `{"tokens":[1,2,3,4,5,6,7,8]}` + "\n" + `{"tokens":[9,10,11,12,13]}`},
		{"text", "calib.txt", "1 2 3 4 5 6 7 8\n\n9 10 11 12 13\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), tc.file)
			if err := os.WriteFile(path, []byte(tc.body), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			got, err := LoadDataset(path, 10, 4)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("got %v, want %v", got, want)
			}
		})
	}
}

func TestLoadDatasetErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.txt")
	if err := os.WriteFile(bad, []byte("1 2 x\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadDataset(bad, 1, 2); err == nil {
		t.Fatalf("expected parse error")
	}
	short := filepath.Join(dir, "short.json")
	if err := os.WriteFile(short, []byte(`[[1,2],[3]]`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadDataset(short, 1, 4); !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("err = %v, want ErrEmptyDataset", err)
	}
	if _, err := LoadDataset(filepath.Join(dir, "missing.json"), 1, 4); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestBlocksCapsSamples(t *testing.T) {
	t.Parallel()

	seq := make([]int, 100)
	for i := range seq {
		seq[i] = i
	}
	got, err := Blocks([][]int{seq}, 3, 10)
	if err != nil {
		t.Fatalf("blocks: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d blocks, want 3", len(got))
	}
	if got[2][0] != 20 || len(got[2]) != 10 {
		t.Fatalf("third block = %v", got[2])
	}
}

package model

import (
	"context"
	"fmt"
	"math"
)

// Perplexity returns exp of the mean negative log-likelihood over every
// predicted token, evaluating batch sequences per forward pass.
func (m *Model) Perplexity(ctx context.Context, seqs [][]int, batch int) (float64, error) {
	if len(seqs) == 0 {
		return 0, fmt.Errorf("perplexity: no sequences")
	}
	if batch <= 0 {
		batch = 1
	}
	var nll float64
	var count int
	for start := 0; start < len(seqs); start += batch {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		end := min(start+batch, len(seqs))
		lps, err := m.LogProbs(seqs[start:end])
		if err != nil {
			return 0, err
		}
		for _, lp := range lps {
			for _, v := range lp {
				nll -= float64(v)
				count++
			}
		}
	}
	if count == 0 {
		return 0, fmt.Errorf("perplexity: sequences must have at least two tokens")
	}
	return math.Exp(nll / float64(count)), nil
}

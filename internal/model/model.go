package model

import (
	"fmt"
	"sync"

	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/tensor"
	"github.com/samcharles93/awq/pkg/quant"
)

// Device names where a layer's parameters are staged. Placement is tracked
// per layer so calibration can stage and restore it.
type Device string

const CPU Device = "cpu"

// LayerKwargs carries the per-call arguments a block needs besides its input.
type LayerKwargs struct {
	// SeqLen is the length of each sequence stacked in the input rows.
	SeqLen int
}

// CaptureHook receives the input of a linear sublayer, keyed by the
// sublayer's name relative to its block. It must not retain x.
type CaptureHook func(key string, x *tensor.Mat)

// Block is one transformer decoder block.
type Block interface {
	// Forward returns the block output for x. hook may be nil.
	Forward(x *tensor.Mat, kw LayerKwargs, hook CaptureHook) (tensor.Mat, error)
	// Modules lists every parameterised operation in forward order.
	Modules() []nn.Module
	// Linears lists the linear sublayers in forward order.
	Linears() []*nn.Linear
}

// Layer owns one decoder block. Readers take the shared lock; scale, clip
// and pack steps take the exclusive lock through Borrow.
type Layer struct {
	Index int
	Block Block

	mu     sync.RWMutex
	device Device
}

// Borrow takes exclusive access to the layer's parameters. The returned
// function releases it.
func (l *Layer) Borrow() func() {
	l.mu.Lock()
	return l.mu.Unlock
}

// Forward runs the block under a shared lock.
func (l *Layer) Forward(x *tensor.Mat, kw LayerKwargs, hook CaptureHook) (tensor.Mat, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.Block.Forward(x, kw, hook)
}

func (l *Layer) Device() Device {
	if l.device == "" {
		return CPU
	}
	return l.device
}

// MoveTo records the layer as staged on dev.
func (l *Layer) MoveTo(dev Device) { l.device = dev }

// Bytes is the resident parameter footprint of the block.
func (l *Layer) Bytes() int64 {
	var n int64
	for _, m := range l.Block.Modules() {
		n += m.Bytes()
	}
	return n
}

// FinalNorm is the output normalisation before the language model head.
type FinalNorm interface {
	Forward(x *tensor.Mat) tensor.Mat
}

// Model is a decoder-only language model.
type Model struct {
	Config Config
	Embed  *nn.Embedding
	// Pos is the learned position embedding, nil for rotary models.
	Pos    *nn.Embedding
	Layers []*Layer
	Norm   FinalNorm
	// Head projects to the vocabulary. Nil when tied to Embed.
	Head *nn.Linear

	// Quant is set once every linear sublayer has been packed.
	Quant *quant.Config

	embedDevice Device
	ops         map[string]nn.Module
}

// New wires blocks into a model and indexes its operations by name.
func New(cfg Config, embed, pos *nn.Embedding, blocks []Block, norm FinalNorm, head *nn.Linear) *Model {
	m := &Model{
		Config: cfg,
		Embed:  embed,
		Pos:    pos,
		Norm:   norm,
		Head:   head,
		ops:    make(map[string]nn.Module),
	}
	for i, b := range blocks {
		m.Layers = append(m.Layers, &Layer{Index: i, Block: b})
		for _, op := range b.Modules() {
			m.ops[op.OpName()] = op
		}
	}
	return m
}

// Op returns the named operation.
func (m *Model) Op(name string) (nn.Module, bool) {
	op, ok := m.ops[name]
	return op, ok
}

// EmbedDevice reports where the embeddings are staged.
func (m *Model) EmbedDevice() Device {
	if m.embedDevice == "" {
		return CPU
	}
	return m.embedDevice
}

// MoveEmbed records the embedding tables as staged on dev.
func (m *Model) MoveEmbed(dev Device) { m.embedDevice = dev }

// Linears lists every linear sublayer in layer order.
func (m *Model) Linears() []*nn.Linear {
	var out []*nn.Linear
	for _, l := range m.Layers {
		out = append(out, l.Block.Linears()...)
	}
	return out
}

// EmbedTokens maps equal-length sequences to stacked hidden states.
func (m *Model) EmbedTokens(seqs [][]int) (tensor.Mat, LayerKwargs, error) {
	if len(seqs) == 0 {
		return tensor.Mat{}, LayerKwargs{}, fmt.Errorf("no sequences")
	}
	seqLen := len(seqs[0])
	if seqLen == 0 {
		return tensor.Mat{}, LayerKwargs{}, fmt.Errorf("empty sequence")
	}
	ids := make([]int, 0, len(seqs)*seqLen)
	for i, s := range seqs {
		if len(s) != seqLen {
			return tensor.Mat{}, LayerKwargs{}, fmt.Errorf("sequence %d has %d tokens, want %d", i, len(s), seqLen)
		}
		ids = append(ids, s...)
	}
	x, err := m.Embed.Lookup(ids)
	if err != nil {
		return tensor.Mat{}, LayerKwargs{}, err
	}
	if m.Pos != nil {
		p, err := m.Pos.LookupPositions(x.R, seqLen)
		if err != nil {
			return tensor.Mat{}, LayerKwargs{}, err
		}
		tensor.AddMat(&x, &p)
	}
	return x, LayerKwargs{SeqLen: seqLen}, nil
}

// Logits runs the full model over equal-length sequences and returns one
// row of vocabulary logits per input token.
func (m *Model) Logits(seqs [][]int) (tensor.Mat, error) {
	x, kw, err := m.EmbedTokens(seqs)
	if err != nil {
		return tensor.Mat{}, err
	}
	for _, l := range m.Layers {
		x, err = l.Forward(&x, kw, nil)
		if err != nil {
			return tensor.Mat{}, fmt.Errorf("layer %d: %w", l.Index, err)
		}
	}
	h := m.Norm.Forward(&x)
	if m.Head != nil {
		return m.Head.Forward(&h), nil
	}
	return tensor.Linear(&h, &m.Embed.W, nil), nil
}

// LogProbs returns, for every sequence, the log-probability the model assigns
// to each token given its prefix. Sequence i yields len(seqs[i])-1 values.
func (m *Model) LogProbs(seqs [][]int) ([][]float32, error) {
	logits, err := m.Logits(seqs)
	if err != nil {
		return nil, err
	}
	seqLen := len(seqs[0])
	out := make([][]float32, len(seqs))
	buf := make([]float32, logits.C)
	for s, seq := range seqs {
		lp := make([]float32, seqLen-1)
		for t := 0; t < seqLen-1; t++ {
			tensor.LogSoftmax(buf, logits.Row(s*seqLen+t))
			lp[t] = buf[seq[t+1]]
		}
		out[s] = lp
	}
	return out, nil
}

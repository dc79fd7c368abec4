package mcf

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

const QuantInfoVersion uint32 = 1

// QuantInfo describes how packed tensors in the container were produced.
// Field names follow the quant_config block of AWQ checkpoints.
type QuantInfo struct {
	Method    string `json:"quant_method"`
	Bits      int    `json:"w_bit"`
	GroupSize int    `json:"q_group_size"`
	ZeroPoint bool   `json:"zero_point"`
	Version   string `json:"version"`
	// Modules lists the names of every packed linear.
	Modules []string `json:"modules,omitempty"`
}

var errQuantInfo = errors.New("mcf: invalid quant info")

func (q QuantInfo) validate() error {
	switch {
	case q.Method == "":
		return fmt.Errorf("%w: missing method", errQuantInfo)
	case q.Bits <= 0 || q.Bits > 8:
		return fmt.Errorf("%w: w_bit %d", errQuantInfo, q.Bits)
	case q.GroupSize <= 0:
		return fmt.Errorf("%w: q_group_size %d", errQuantInfo, q.GroupSize)
	}
	return nil
}

// EncodeQuantInfoSection serialises q as the quant info payload.
func EncodeQuantInfoSection(q QuantInfo) ([]byte, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(q)
}

// ParseQuantInfoSection decodes a quant info payload.
func ParseQuantInfoSection(sec []byte) (QuantInfo, error) {
	var q QuantInfo
	if err := json.Unmarshal(sec, &q); err != nil {
		return QuantInfo{}, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	if err := q.validate(); err != nil {
		return QuantInfo{}, err
	}
	return q, nil
}

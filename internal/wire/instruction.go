package wire

import (
	"encoding/json"

	errors "golang.org/x/xerrors"

	"github.com/mosh-ssp/ssp/internal/diff"
	"github.com/mosh-ssp/ssp/internal/state"
	"github.com/mosh-ssp/ssp/internal/wireerr"
)

// Instruction is the five-field transport instruction carried as the
// payload of a Packet: the state transition (old_num -> new_num), the
// acknowledgment/throwaway bookkeeping, and the diff itself.
//
// diff is a JSON string holding the already-serialized opcode array text
// (see internal/diff.Diff.Encode), not a nested JSON array. This
// double-encoding is the deployed wire form; peers reject anything else,
// so it is kept rather than flattened into a nested array.
type Instruction struct {
	OldNum       state.Num `json:"old_num"`
	NewNum       state.Num `json:"new_num"`
	AckNum       state.Num `json:"ack_num"`
	ThrowawayNum state.Num `json:"throwaway_num"`
	Diff         string    `json:"diff"`
}

// EncodeInstruction serializes an Instruction to its wire text form.
func EncodeInstruction(i Instruction) ([]byte, error) {
	b, err := json.Marshal(i)
	if err != nil {
		return nil, errors.Errorf("%w: %v", wireerr.ErrMalformedInstruction, err)
	}
	return b, nil
}

// DecodeInstruction parses the wire text form produced by
// EncodeInstruction.
func DecodeInstruction(data []byte) (Instruction, error) {
	var i Instruction
	if err := json.Unmarshal(data, &i); err != nil {
		return Instruction{}, errors.Errorf("%w: %v", wireerr.ErrMalformedInstruction, err)
	}
	return i, nil
}

// EncodeDiff is a convenience wrapper that fails with
// wireerr.ErrMalformedDiff instead of a bare diff-package error.
func EncodeDiff(d diff.Diff) (string, error) {
	s, err := d.Encode()
	if err != nil {
		return "", errors.Errorf("%w: %v", wireerr.ErrMalformedDiff, err)
	}
	return s, nil
}

// DecodeDiff is a convenience wrapper that fails with
// wireerr.ErrMalformedDiff instead of a bare diff-package error.
func DecodeDiff(s string) (diff.Diff, error) {
	d, err := diff.Decode(s)
	if err != nil {
		return nil, errors.Errorf("%w: %v", wireerr.ErrMalformedDiff, err)
	}
	return d, nil
}

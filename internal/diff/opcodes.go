// Package diff implements the opcode-based patch format used to describe one
// state transition: a sequence of equal/delete/insert/replace operations
// that reconstruct a new string from an old one. The opcode shape and the
// longest-matching-block algorithm that produces it follow Python's
// difflib.SequenceMatcher, whose get_opcodes output is the wire format
// peers on the other side of the protocol expect.
package diff

import (
	"encoding/json"

	errors "golang.org/x/xerrors"
)

// Tag identifies the kind of a single opcode.
type Tag string

const (
	Equal   Tag = "equal"
	Delete  Tag = "delete"
	Insert  Tag = "insert"
	Replace Tag = "replace"
)

// Op is a single opcode in a Diff. Mutating opcodes (delete, insert,
// replace) carry the literal runs of text alongside their index ranges, so
// Apply emits their text as carried; only equal opcodes, which carry no
// text, are resolved by slicing the source string by index.
type Op struct {
	Tag Tag

	// Byte offsets are never used; indices address runes (Unicode code
	// points), matching Python string indexing semantics.
	I1, I2 int // source range, for equal/delete/replace
	J1, J2 int // destination range, for equal/insert/replace

	Text    string // delete: removed run; insert: inserted run
	OldText string // replace: removed run
	NewText string // replace: inserted run
}

// Diff is an ordered sequence of opcodes that transforms a source string
// into a destination string when applied in order (see Apply).
type Diff []Op

// MarshalJSON encodes op in its tagged-array wire shape, e.g.
// ["equal", i1, i2, j1, j2] or ["replace", i1, i2, j1, j2, oldText, newText].
func (op Op) MarshalJSON() ([]byte, error) {
	switch op.Tag {
	case Equal:
		return json.Marshal([]interface{}{string(Equal), op.I1, op.I2, op.J1, op.J2})
	case Delete:
		return json.Marshal([]interface{}{string(Delete), op.I1, op.I2, op.Text})
	case Insert:
		return json.Marshal([]interface{}{string(Insert), op.J1, op.J2, op.Text})
	case Replace:
		return json.Marshal([]interface{}{string(Replace), op.I1, op.I2, op.J1, op.J2, op.OldText, op.NewText})
	default:
		return nil, errors.Errorf("diff: unknown opcode tag %q", op.Tag)
	}
}

func (op *Op) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Errorf("diff: malformed opcode: %w", err)
	}
	if len(raw) == 0 {
		return errors.New("diff: empty opcode")
	}

	var tag string
	if err := json.Unmarshal(raw[0], &tag); err != nil {
		return errors.Errorf("diff: malformed opcode tag: %w", err)
	}

	readInt := func(i int) (int, error) {
		var n int
		if i >= len(raw) {
			return 0, errors.Errorf("diff: opcode %q missing field %d", tag, i)
		}
		if err := json.Unmarshal(raw[i], &n); err != nil {
			return 0, errors.Errorf("diff: opcode %q field %d not an integer: %w", tag, i, err)
		}
		return n, nil
	}
	readString := func(i int) (string, error) {
		var s string
		if i >= len(raw) {
			return "", errors.Errorf("diff: opcode %q missing field %d", tag, i)
		}
		if err := json.Unmarshal(raw[i], &s); err != nil {
			return "", errors.Errorf("diff: opcode %q field %d not a string: %w", tag, i, err)
		}
		return s, nil
	}

	switch Tag(tag) {
	case Equal:
		if len(raw) != 5 {
			return errors.Errorf("diff: equal opcode wants 5 fields, got %d", len(raw))
		}
		i1, err := readInt(1)
		if err != nil {
			return err
		}
		i2, err := readInt(2)
		if err != nil {
			return err
		}
		j1, err := readInt(3)
		if err != nil {
			return err
		}
		j2, err := readInt(4)
		if err != nil {
			return err
		}
		*op = Op{Tag: Equal, I1: i1, I2: i2, J1: j1, J2: j2}

	case Delete:
		if len(raw) != 4 {
			return errors.Errorf("diff: delete opcode wants 4 fields, got %d", len(raw))
		}
		i1, err := readInt(1)
		if err != nil {
			return err
		}
		i2, err := readInt(2)
		if err != nil {
			return err
		}
		text, err := readString(3)
		if err != nil {
			return err
		}
		*op = Op{Tag: Delete, I1: i1, I2: i2, Text: text}

	case Insert:
		if len(raw) != 4 {
			return errors.Errorf("diff: insert opcode wants 4 fields, got %d", len(raw))
		}
		j1, err := readInt(1)
		if err != nil {
			return err
		}
		j2, err := readInt(2)
		if err != nil {
			return err
		}
		text, err := readString(3)
		if err != nil {
			return err
		}
		*op = Op{Tag: Insert, J1: j1, J2: j2, Text: text}

	case Replace:
		if len(raw) != 7 {
			return errors.Errorf("diff: replace opcode wants 7 fields, got %d", len(raw))
		}
		i1, err := readInt(1)
		if err != nil {
			return err
		}
		i2, err := readInt(2)
		if err != nil {
			return err
		}
		j1, err := readInt(3)
		if err != nil {
			return err
		}
		j2, err := readInt(4)
		if err != nil {
			return err
		}
		oldText, err := readString(5)
		if err != nil {
			return err
		}
		newText, err := readString(6)
		if err != nil {
			return err
		}
		*op = Op{Tag: Replace, I1: i1, I2: i2, J1: j1, J2: j2, OldText: oldText, NewText: newText}

	default:
		return errors.Errorf("diff: unknown opcode tag %q", tag)
	}

	return nil
}

// Encode serializes a Diff to its wire text form: a JSON array of tagged
// opcode arrays.
func (d Diff) Encode() (string, error) {
	if d == nil {
		d = Diff{}
	}
	b, err := json.Marshal([]Op(d))
	if err != nil {
		return "", errors.Errorf("diff: encode: %w", err)
	}
	return string(b), nil
}

// Decode parses the wire text form produced by Encode.
func Decode(s string) (Diff, error) {
	var d Diff
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return nil, errors.Errorf("diff: malformed diff: %w", err)
	}
	return d, nil
}

// Apply reconstructs the destination string by walking the opcodes in
// order and concatenating the runs they describe. It fails with a
// malformed-diff error if an opcode references an index outside the
// bounds of a, or carries an unrecognized tag.
func Apply(a string, d Diff) (string, error) {
	// The empty diff is the identity.
	if len(d) == 0 {
		return a, nil
	}

	src := []rune(a)
	var out []rune

	for _, op := range d {
		switch op.Tag {
		case Equal:
			if op.I1 < 0 || op.I2 < op.I1 || op.I2 > len(src) {
				return "", errors.Errorf("diff: equal opcode index out of range: [%d:%d] (len %d)", op.I1, op.I2, len(src))
			}
			out = append(out, src[op.I1:op.I2]...)

		case Delete:
			if op.I1 < 0 || op.I2 < op.I1 || op.I2 > len(src) {
				return "", errors.Errorf("diff: delete opcode index out of range: [%d:%d] (len %d)", op.I1, op.I2, len(src))
			}
			// Emits nothing.

		case Insert:
			out = append(out, []rune(op.Text)...)

		case Replace:
			if op.I1 < 0 || op.I2 < op.I1 || op.I2 > len(src) {
				return "", errors.Errorf("diff: replace opcode index out of range: [%d:%d] (len %d)", op.I1, op.I2, len(src))
			}
			out = append(out, []rune(op.NewText)...)

		default:
			return "", errors.Errorf("diff: unknown opcode tag %q", op.Tag)
		}
	}

	return string(out), nil
}

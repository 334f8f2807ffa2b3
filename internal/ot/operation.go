// Package ot implements the flat-text operations and the buffer reconciler
// that serializes concurrent edits for a single document.
//
// Positions and lengths count Unicode code points, not bytes.
package ot

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// OpType identifies the kind of edit
type OpType string

const (
	Insert OpType = "insert"
	Delete OpType = "delete"
)

// Operation is a single edit request against a buffer
type Operation struct {
	Type         OpType `json:"type"`
	Position     int    `json:"position"`
	Content      string `json:"content,omitempty"` // insert only
	Length       int    `json:"length,omitempty"`  // delete only
	BaseRevision int64  `json:"baseRevision"`
}

// ErrInvalidOperation is returned for malformed operations
var ErrInvalidOperation = errors.New("invalid operation")

// Validate checks the operation shape. It does not look at any buffer.
func (op Operation) Validate() error {
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Position)
	}
	if op.BaseRevision < 0 {
		return fmt.Errorf("%w: negative base revision %d", ErrInvalidOperation, op.BaseRevision)
	}

	switch op.Type {
	case Insert:
		if op.Content == "" {
			return fmt.Errorf("%w: insert without content", ErrInvalidOperation)
		}
		if !utf8.ValidString(op.Content) {
			return fmt.Errorf("%w: insert content is not valid UTF-8", ErrInvalidOperation)
		}
	case Delete:
		if op.Length <= 0 {
			return fmt.Errorf("%w: delete length must be positive, got %d", ErrInvalidOperation, op.Length)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	return nil
}

// Len returns the number of code points the operation inserts or removes.
func (op Operation) Len() int {
	if op.Type == Insert {
		return utf8.RuneCountInString(op.Content)
	}
	return op.Length
}

// ApplyTo applies the operation to s and returns the result. Clients use it
// to replay broadcast operations; the reconciler works on rune slices.
func (op Operation) ApplyTo(s string) (string, error) {
	runes, err := splice([]rune(s), op)
	if err != nil {
		return "", err
	}
	return string(runes), nil
}

// ErrOutOfBounds is returned when an operation does not fit the buffer
var ErrOutOfBounds = errors.New("operation out of bounds")

func splice(runes []rune, op Operation) ([]rune, error) {
	n := len(runes)
	switch op.Type {
	case Insert:
		if op.Position > n {
			return nil, fmt.Errorf("%w: insert at %d, buffer length %d", ErrOutOfBounds, op.Position, n)
		}
		ins := []rune(op.Content)
		out := make([]rune, 0, n+len(ins))
		out = append(out, runes[:op.Position]...)
		out = append(out, ins...)
		return append(out, runes[op.Position:]...), nil

	case Delete:
		if op.Length == 0 {
			return runes, nil
		}
		if op.Position >= n {
			return nil, fmt.Errorf("%w: delete at %d, buffer length %d", ErrOutOfBounds, op.Position, n)
		}
		end := min(op.Position+op.Length, n)
		out := make([]rune, 0, n-(end-op.Position))
		out = append(out, runes[:op.Position]...)
		return append(out, runes[end:]...), nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
}

package codec

import (
	"errors"
	"strings"
)

// ErrIncomplete matches any decode failure caused by absent frames.
var ErrIncomplete = errors.New("incomplete frame group")

// MissingFieldError lists every block that had no usable frame, in
// catalogue order.
type MissingFieldError struct {
	Blocks []Block
}

func (e *MissingFieldError) Error() string {
	names := make([]string, len(e.Blocks))
	for i, b := range e.Blocks {
		names[i] = b.String()
	}
	return "missing " + strings.Join(names, ", ") + " data"
}

// Is reports whether target is ErrIncomplete.
func (e *MissingFieldError) Is(target error) bool {
	return target == ErrIncomplete
}

// Missing reports whether block is among the absent ones.
func (e *MissingFieldError) Missing(block Block) bool {
	for _, b := range e.Blocks {
		if b == block {
			return true
		}
	}
	return false
}

package snapcopy

import (
	"context"
	"errors"
	"slices"
)

type (
	stack struct {
		undos []undo
	}
	undo func(ctx context.Context) error
)

// Push adds an undo to the stack, to be unwound in the reverse order it
// was added.
func (s *stack) Push(u undo) {
	s.undos = append(s.undos, u)
}

// Unwind calls all accumulated undos in the reverse order they were
// added, returning all encountered errors joined.
func (s *stack) Unwind(ctx context.Context) error {
	var errs error
	for _, u := range slices.Backward(s.undos) {
		errs = errors.Join(errs, u(ctx))
	}
	return errs
}

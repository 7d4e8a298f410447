package snapcopy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStackUnwindsInReverse(t *testing.T) {
	var order []int

	s := &stack{}
	for i := range 3 {
		s.Push(func(context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	require.NoError(t, s.Unwind(context.Background()))
	assert.Equal(t, []int{2, 1, 0}, order)
}

func TestStackUnwindRunsEveryUndo(t *testing.T) {
	boom := errors.New("revoke failed")
	var ran []string

	s := &stack{}
	s.Push(func(context.Context) error {
		ran = append(ran, "first")
		return nil
	})
	s.Push(func(context.Context) error {
		ran = append(ran, "second")
		return boom
	})

	err := s.Unwind(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"second", "first"}, ran)
}

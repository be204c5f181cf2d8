package pcsc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubsystemEnsureIsIdempotent(t *testing.T) {
	ctx := newFakeContext()
	calls := 0
	s := NewSubsystem(func() (Context, error) {
		calls++
		return ctx, nil
	})

	first, err := s.Ensure()
	require.NoError(t, err)
	second, err := s.Ensure()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
	assert.True(t, s.Established())
}

func TestSubsystemEnsureRetriesAfterFailure(t *testing.T) {
	ctx := newFakeContext()
	calls := 0
	s := NewSubsystem(func() (Context, error) {
		calls++
		if calls == 1 {
			return nil, StatusNoService
		}
		return ctx, nil
	})

	_, err := s.Ensure()
	assert.ErrorIs(t, err, ErrContextUnavailable)
	assert.ErrorIs(t, err, StatusNoService)
	assert.False(t, s.Established())

	got, err := s.Ensure()
	require.NoError(t, err)
	assert.Same(t, ctx, got)
	assert.Equal(t, 2, calls)
}

func TestSubsystemRelease(t *testing.T) {
	ctx := newFakeContext()
	s := NewSubsystem(func() (Context, error) { return ctx, nil })

	// Releasing before establishing does nothing.
	require.NoError(t, s.Release())

	_, err := s.Ensure()
	require.NoError(t, err)

	require.NoError(t, s.Release())
	require.NoError(t, s.Release())

	_, _, releases := ctx.counts()
	assert.Equal(t, 1, releases)
	assert.False(t, s.Established())
}

func TestSubsystemCancelWithoutContext(t *testing.T) {
	s := NewSubsystem(func() (Context, error) { return newFakeContext(), nil })
	assert.NoError(t, s.Cancel())
}

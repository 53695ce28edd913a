package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	t.Run("every kind round-trips through its name", func(t *testing.T) {
		for k := InvalidTriad; k < maxKind; k++ {
			parsed, ok := ParseKind(k.String())
			require.True(t, ok, k.String())
			require.Equal(t, k, parsed)
			require.True(t, k.Valid())
		}
		require.False(t, Unknown.Valid())
		require.False(t, maxKind.Valid())
	})

	t.Run("wrapped errors keep their kind", func(t *testing.T) {
		base := New(NoRule, "no rule for (%d, %d)", 1, 2)
		err := fmt.Errorf("machine: %w", base)

		require.ErrorIs(t, err, NoRule)
		require.NotErrorIs(t, err, Cancelled)
		require.Equal(t, NoRule, KindOf(err))
		require.Equal(t, "no rule for (1, 2)", Message(err))
	})

	t.Run("bare kinds are errors too", func(t *testing.T) {
		err := fmt.Errorf("runtime: %w", Saturated)
		require.Equal(t, Saturated, KindOf(err))
		require.Equal(t, Io, Of(errors.New("disk"), Io))
	})

	t.Run("causes stay reachable", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Wrap(TransportFailure, cause, "deliver")
		require.ErrorIs(t, err, cause)
		require.ErrorIs(t, err, TransportFailure)
		require.Equal(t, "contained: TransportFailure: deliver: connection refused", err.Error())
	})
}

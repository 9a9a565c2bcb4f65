package cctx

import (
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/genlayerlabs/genlayer-studio-sub001/clock"
	"github.com/genlayerlabs/genlayer-studio-sub001/config"
	"github.com/genlayerlabs/genlayer-studio-sub001/metrics"
)

func TestWithReplacesParametersWithoutMutatingOriginal(t *testing.T) {
	base := config.TestParams()
	c := New(log.NewNoOpLogger(), metrics.New(nil), clock.NewMock(time.Now()), base)

	enlarged := base
	enlarged.CommitteeSize = base.CommitteeSize * 10
	derived := c.With(enlarged)

	require.Equal(t, base.CommitteeSize, c.Parameters.CommitteeSize, "With must not mutate the original Context")
	require.Equal(t, enlarged.CommitteeSize, derived.Parameters.CommitteeSize)
	require.Same(t, c.Clock, derived.Clock, "With is a shallow copy; shared fields keep identity")
}

func TestFinalityWindowSharedAcrossWithCopies(t *testing.T) {
	base := config.TestParams()
	c := New(log.NewNoOpLogger(), metrics.New(nil), clock.NewMock(time.Now()), base)
	require.Equal(t, base.FinalityWindow, c.FinalityWindow.Get())

	derived := c.With(base)
	c.FinalityWindow.Set(time.Minute)
	require.Equal(t, time.Minute, derived.FinalityWindow.Get(),
		"a runtime window change must be visible to every holder of the Context")
}

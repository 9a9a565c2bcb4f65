package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genlayerlabs/genlayer-studio-sub001/ids"
)

func TestStatusInFlight(t *testing.T) {
	require.True(t, StatusProposing.InFlight())
	require.True(t, StatusCommitting.InFlight())
	require.True(t, StatusRevealing.InFlight())
	require.False(t, StatusPending.InFlight())
	require.False(t, StatusAccepted.InFlight())
}

func TestStatusTerminal(t *testing.T) {
	require.True(t, StatusFinalized.Terminal())
	require.True(t, StatusUndetermined.Terminal())
	require.False(t, StatusProposing.Terminal())
	require.False(t, StatusPending.Terminal())
}

func TestCloneIsIndependentOfOriginal(t *testing.T) {
	tx := &Transaction{
		Hash:  ids.Hash{1},
		Input: []byte{1, 2, 3},
		ConsensusHistory: []*ConsensusRoundEntry{
			NewRoundEntry(0),
		},
	}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tx.ConsensusHistory[0].Monitoring["proposing"] = start
	tx.ConsensusHistory[0].StatusChanges = []Status{StatusProposing}

	clone := tx.Clone()

	clone.Input[0] = 99
	require.Equal(t, byte(1), tx.Input[0], "mutating a clone's slice must not affect the original")

	clone.ConsensusHistory[0].Monitoring["proposing"] = start.Add(time.Second)
	require.NotEqual(t, tx.ConsensusHistory[0].Monitoring["proposing"], clone.ConsensusHistory[0].Monitoring["proposing"])

	clone.ConsensusHistory[0].StatusChanges[0] = StatusCommitting
	require.Equal(t, StatusProposing, tx.ConsensusHistory[0].StatusChanges[0])
}

func TestCloneCopiesOptionalPointers(t *testing.T) {
	worker := "worker-1"
	tx := &Transaction{CurrentWorker: &worker}
	clone := tx.Clone()

	*clone.CurrentWorker = "worker-2"
	require.Equal(t, "worker-1", *tx.CurrentWorker)
}

func TestLastRoundOnEmptyHistory(t *testing.T) {
	tx := &Transaction{}
	require.Nil(t, tx.LastRound())
}

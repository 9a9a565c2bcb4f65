// Package validators implements the validator registry: the set of
// validators and the deterministic committee-selection helpers the
// consensus state machine uses to draw a committee and leader for a round.
package validators

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/luxfi/math/set"
	luxvalidators "github.com/luxfi/validators"

	"github.com/genlayerlabs/genlayer-studio-sub001/config"
	"github.com/genlayerlabs/genlayer-studio-sub001/ids"
	"github.com/genlayerlabs/genlayer-studio-sub001/types"
)

// ErrInsufficientValidators is returned when a committee larger than the
// registry cannot be drawn.
var ErrInsufficientValidators = errors.New("validators: registry has fewer validators than requested committee size")

// committeeNetID is the single network id the registry stakes every
// validator under; the consensus core runs one validator set, not one per
// subnet.
var committeeNetID = ids.EmptyHash

// Committee is the result of a deterministic draw: a size-ordered list of
// validators with the leader fixed as the first element.
type Committee struct {
	Members []types.Validator
	Leader  types.Validator
	// RegistryVersion records which registry snapshot produced this draw,
	// so a later round can detect that the registry changed during an
	// appeal.
	RegistryVersion uint64
}

// IDSet returns the committee membership as a set.Set.
func (c Committee) IDSet() set.Set[ids.NodeID] {
	s := set.Set[ids.NodeID]{}
	for _, v := range c.Members {
		s.Add(v.ID)
	}
	return s
}

// Registry holds the validator set and draws committees from it.
type Registry interface {
	// Version returns the current registry snapshot version, incremented
	// on every mutation.
	Version() uint64

	// All returns every registered validator, in a stable order.
	All() []types.Validator

	// Upsert adds or updates a validator.
	Upsert(v types.Validator)

	// Remove deletes a validator by ID.
	Remove(id ids.NodeID)

	// TotalStake returns the summed stake of every registered validator.
	TotalStake() (uint64, error)

	// SelectCommittee deterministically draws size validators for
	// (txHash, roundIndex), honoring weighting, excluding any validator in
	// exclude (used to keep a leader-timeout rotation from re-selecting
	// the same leader). A non-zero pinnedVersion asks for the snapshot a
	// prior round of the same transaction drew against: while the registry
	// still sits at that version, the draw reproduces on that snapshot;
	// once the registry has moved on, the draw falls back to the live
	// snapshot and the returned RegistryVersion reveals the change for the
	// caller to record.
	SelectCommittee(txHash ids.Hash, roundIndex int, size int, weighting config.CommitteeWeighting, exclude set.Set[ids.NodeID], pinnedVersion uint64) (Committee, error)
}

// registry keeps membership and stake in a luxvalidators.Manager and the
// provider/model binding in a side map keyed by node id.
type registry struct {
	mu      sync.RWMutex
	version uint64
	byID    map[ids.NodeID]types.Validator
	manager luxvalidators.Manager
}

// New returns an empty Registry.
func New() Registry {
	return &registry{
		byID:    make(map[ids.NodeID]types.Validator),
		manager: luxvalidators.NewManager(),
	}
}

func (r *registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *registry) All() []types.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Validator, 0, len(r.byID))
	for _, v := range r.byID {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return less(out[i].ID, out[j].ID)
	})
	return out
}

func (r *registry) Upsert(v types.Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byID[v.ID]; ok && prev.Stake > 0 {
		_ = r.manager.RemoveWeight(committeeNetID, prev.ID, prev.Stake)
	}
	if v.Stake > 0 {
		_ = r.manager.AddStaker(committeeNetID, v.ID, nil, ids.EmptyHash, v.Stake)
	}
	r.byID[v.ID] = v
	r.version++
}

func (r *registry) Remove(id ids.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.byID[id]
	if !ok {
		return
	}
	if prev.Stake > 0 {
		_ = r.manager.RemoveWeight(committeeNetID, id, prev.Stake)
	}
	delete(r.byID, id)
	r.version++
}

func (r *registry) TotalStake() (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manager.TotalWeight(committeeNetID)
}

func (r *registry) SelectCommittee(txHash ids.Hash, roundIndex int, size int, weighting config.CommitteeWeighting, exclude set.Set[ids.NodeID], pinnedVersion uint64) (Committee, error) {
	r.mu.RLock()
	version := r.version
	candidates := make([]types.Validator, 0, len(r.byID))
	for id, v := range r.byID {
		if exclude.Contains(id) {
			continue
		}
		candidates = append(candidates, v)
	}
	weights := make([]uint64, len(candidates))
	for i, v := range candidates {
		weights[i] = r.manager.GetWeight(committeeNetID, v.ID)
	}
	r.mu.RUnlock()

	if len(candidates) < size {
		return Committee{}, fmt.Errorf("%w: have %d, want %d", ErrInsufficientValidators, len(candidates), size)
	}

	sort.Sort(&byNodeID{candidates, weights})

	// While the registry still matches the pinned snapshot, seed the draw
	// with the pinned version so a rotation reproduces against the same
	// snapshot its first round used; once the registry has moved on, the
	// live version seeds a fresh draw.
	seedVersion := version
	if pinnedVersion != 0 && pinnedVersion == version {
		seedVersion = pinnedVersion
	}

	seed := ids.DeriveRoundSeed(txHash, roundIndex, seedVersion)
	rng := rand.New(rand.NewSource(seed))

	var indices []int
	switch weighting {
	case config.WeightingStake:
		indices = sampleWeighted(rng, weights, size)
	default:
		indices = sampleUniform(rng, len(candidates), size)
	}

	members := make([]types.Validator, size)
	for i, idx := range indices {
		members[i] = candidates[idx]
	}

	return Committee{
		Members:         members,
		Leader:          members[0],
		RegistryVersion: version,
	}, nil
}

// byNodeID sorts candidates (and their parallel weight slice) into the
// stable order the deterministic draw indexes into.
type byNodeID struct {
	candidates []types.Validator
	weights    []uint64
}

func (s *byNodeID) Len() int           { return len(s.candidates) }
func (s *byNodeID) Less(i, j int) bool { return less(s.candidates[i].ID, s.candidates[j].ID) }
func (s *byNodeID) Swap(i, j int) {
	s.candidates[i], s.candidates[j] = s.candidates[j], s.candidates[i]
	s.weights[i], s.weights[j] = s.weights[j], s.weights[i]
}

func less(a, b ids.NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// sampleUniform draws size indices in [0, n) without replacement.
func sampleUniform(rng *rand.Rand, n, size int) []int {
	indices := make([]int, size)
	selected := make(map[int]bool, size)
	for i := 0; i < size; i++ {
		for {
			idx := rng.Intn(n)
			if !selected[idx] {
				indices[i] = idx
				selected[idx] = true
				break
			}
		}
	}
	return indices
}

// sampleWeighted draws size indices without replacement, weighted by the
// stake the manager reports (an unstaked validator still gets a token
// weight of one so it remains drawable). This is one pluggable strategy,
// not the only one; the exact stake-weighting formula is deliberately left
// swappable via config.CommitteeWeighting.
func sampleWeighted(rng *rand.Rand, weights []uint64, size int) []int {
	remaining := make([]uint64, len(weights))
	var remainingTotal uint64
	for i, w := range weights {
		if w == 0 {
			w = 1
		}
		remaining[i] = w
		remainingTotal += w
	}

	used := make(map[int]bool, size)
	indices := make([]int, 0, size)

	for len(indices) < size {
		if remainingTotal == 0 {
			break
		}
		target := uint64(rng.Int63n(int64(remainingTotal)))
		var cum uint64
		for i, w := range remaining {
			if used[i] {
				continue
			}
			cum += w
			if target < cum {
				indices = append(indices, i)
				used[i] = true
				remainingTotal -= w
				break
			}
		}
	}
	return indices
}

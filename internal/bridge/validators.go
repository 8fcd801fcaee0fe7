package bridge

import (
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// MaxValidators bounds the registry size.
const MaxValidators = 100

// ValidatorSet is a capacity-bounded set of validator identities.
// Membership is a map lookup; insertion order is kept for stable listings.
type ValidatorSet struct {
	members  map[common.Address]struct{}
	order    []common.Address
	capacity int
}

// NewValidatorSet returns an empty set holding at most capacity members.
// A non-positive capacity defaults to MaxValidators.
func NewValidatorSet(capacity int) *ValidatorSet {
	if capacity <= 0 {
		capacity = MaxValidators
	}
	return &ValidatorSet{
		members:  make(map[common.Address]struct{}),
		capacity: capacity,
	}
}

// Add inserts id. It fails with ErrValidatorExists for a duplicate and
// ErrValidatorSetFull at capacity; the set is unchanged on failure.
func (s *ValidatorSet) Add(id common.Address) error {
	if _, ok := s.members[id]; ok {
		return ErrValidatorExists
	}
	if len(s.order) >= s.capacity {
		return ErrValidatorSetFull
	}
	s.members[id] = struct{}{}
	s.order = append(s.order, id)
	return nil
}

// Remove deletes id and reports whether it was present.
func (s *ValidatorSet) Remove(id common.Address) bool {
	if _, ok := s.members[id]; !ok {
		return false
	}
	delete(s.members, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether id is a registered validator.
func (s *ValidatorSet) Contains(id common.Address) bool {
	_, ok := s.members[id]
	return ok
}

// Len returns the number of validators.
func (s *ValidatorSet) Len() int { return len(s.order) }

// List returns the validators in insertion order.
func (s *ValidatorSet) List() []common.Address {
	out := make([]common.Address, len(s.order))
	copy(out, s.order)
	return out
}

// Clone returns a deep copy.
func (s *ValidatorSet) Clone() *ValidatorSet {
	c := NewValidatorSet(s.capacity)
	for _, v := range s.order {
		c.members[v] = struct{}{}
		c.order = append(c.order, v)
	}
	return c
}

// MarshalJSON encodes the set as an ordered array of addresses.
func (s *ValidatorSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

// UnmarshalJSON decodes an address array, dropping duplicates.
func (s *ValidatorSet) UnmarshalJSON(data []byte) error {
	var list []common.Address
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = *NewValidatorSet(MaxValidators)
	for _, v := range list {
		if err := s.Add(v); errors.Is(err, ErrValidatorSetFull) {
			return err
		}
	}
	return nil
}

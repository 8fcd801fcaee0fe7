package bridge

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func addr(n byte) common.Address {
	return common.BytesToAddress([]byte{n})
}

func TestValidatorSet_AddDuplicate(t *testing.T) {
	s := NewValidatorSet(0)
	if err := s.Add(addr(1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(addr(1)); !errors.Is(err, ErrValidatorExists) {
		t.Fatalf("second add: got %v, want ErrValidatorExists", err)
	}
	if s.Len() != 1 {
		t.Errorf("len after duplicate add: got %d, want 1", s.Len())
	}
}

func TestValidatorSet_RemoveAbsent(t *testing.T) {
	s := NewValidatorSet(0)
	_ = s.Add(addr(1))
	if s.Remove(addr(2)) {
		t.Error("Remove of absent id reported true")
	}
	if s.Len() != 1 {
		t.Errorf("len: got %d, want 1", s.Len())
	}
	if !s.Remove(addr(1)) || s.Contains(addr(1)) {
		t.Error("expected addr(1) to be removed")
	}
}

func TestValidatorSet_Capacity(t *testing.T) {
	s := NewValidatorSet(2)
	_ = s.Add(addr(1))
	_ = s.Add(addr(2))
	if err := s.Add(addr(3)); !errors.Is(err, ErrValidatorSetFull) {
		t.Fatalf("got %v, want ErrValidatorSetFull", err)
	}
	if s.Contains(addr(3)) {
		t.Error("rejected validator must not be a member")
	}
}

func TestValidatorSet_OrderAndClone(t *testing.T) {
	s := NewValidatorSet(0)
	for _, n := range []byte{3, 1, 2} {
		_ = s.Add(addr(n))
	}
	s.Remove(addr(1))

	list := s.List()
	if len(list) != 2 || list[0] != addr(3) || list[1] != addr(2) {
		t.Errorf("unexpected order: %v", list)
	}

	c := s.Clone()
	_ = c.Add(addr(9))
	if s.Contains(addr(9)) {
		t.Error("mutating the clone changed the original")
	}
}

func TestValidatorSet_JSON(t *testing.T) {
	s := NewValidatorSet(0)
	_ = s.Add(addr(1))
	_ = s.Add(addr(2))

	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	var back ValidatorSet
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back.Len() != 2 || !back.Contains(addr(1)) || !back.Contains(addr(2)) {
		t.Errorf("decoded set mismatch: %v", back.List())
	}
}

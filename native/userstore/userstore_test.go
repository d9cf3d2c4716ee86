package userstore

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	managerAddr  = common.HexToAddress("0x2001")
	operatorAddr = common.HexToAddress("0x2002")
	alice        = common.HexToAddress("0x1001")
	bob          = common.HexToAddress("0x1002")
	carol        = common.HexToAddress("0x1003")
)

func TestUpdateRefIsWriteOnce(t *testing.T) {
	s := New(managerAddr)

	if err := s.UpdateRef(alice, alice); !errors.Is(err, ErrSelfRef) {
		t.Fatalf("self ref err = %v, want ErrSelfRef", err)
	}
	if err := s.UpdateRef(alice, common.Address{}); err != nil {
		t.Fatalf("zero ref must be a no-op, got %v", err)
	}
	if err := s.UpdateRef(alice, bob); err != nil {
		t.Fatalf("set ref: %v", err)
	}
	// Second write is ignored, not an error.
	if err := s.UpdateRef(alice, carol); err != nil {
		t.Fatalf("repeat ref: %v", err)
	}
	if got := s.ProfileOf(alice).Ref; got != bob {
		t.Fatalf("ref = %s, want first writer %s", got, bob)
	}
}

func TestUpdateMembershipGating(t *testing.T) {
	s := New(managerAddr)
	if err := s.UpdateMembership(alice, []common.Address{alice}, []uint64{3}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider err = %v, want ErrForbidden", err)
	}
	if err := s.SetOperators(managerAddr, []common.Address{operatorAddr}, []bool{true}); err != nil {
		t.Fatalf("set operators: %v", err)
	}
	if err := s.UpdateMembership(operatorAddr, []common.Address{alice, bob}, []uint64{3}); !errors.Is(err, ErrBadLengths) {
		t.Fatalf("mismatched lengths err = %v, want ErrBadLengths", err)
	}
	if err := s.UpdateMembership(operatorAddr, []common.Address{alice, bob}, []uint64{3, 1}); err != nil {
		t.Fatalf("update membership: %v", err)
	}
	if got := s.ProfileOf(alice).MembershipLevel; got != 3 {
		t.Fatalf("level = %d, want 3", got)
	}
}

func TestDiscountedFee(t *testing.T) {
	s := New(managerAddr)
	if err := s.UpdateMembership(managerAddr, []common.Address{alice, bob}, []uint64{4, 1}); err != nil {
		t.Fatalf("update membership: %v", err)
	}

	fee := big.NewInt(1000)
	// Level 0 pays in full.
	if got := s.DiscountedFee(carol, fee); got.Cmp(fee) != 0 {
		t.Fatalf("level 0 fee = %s, want %s", got, fee)
	}
	// Level 4 keeps 4/(4+4) = half.
	if got := s.DiscountedFee(alice, fee); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("level 4 fee = %s, want 500", got)
	}
	// Level 1 keeps 1 - 1/5 = 800.
	if got := s.DiscountedFee(bob, fee); got.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("level 1 fee = %s, want 800", got)
	}
	if got := s.DiscountedFee(alice, nil); got.Sign() != 0 {
		t.Fatalf("nil fee = %s, want 0", got)
	}
}

func TestManagerHandoff(t *testing.T) {
	s := New(managerAddr)
	if err := s.SetManager(alice, alice); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider handoff err = %v, want ErrForbidden", err)
	}
	if err := s.SetManager(managerAddr, alice); err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if err := s.SetOperators(managerAddr, []common.Address{operatorAddr}, []bool{true}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("old manager err = %v, want ErrForbidden", err)
	}
}

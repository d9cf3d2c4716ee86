// Package userstore keeps per-trader protocol state: referral links and
// membership levels. Membership discounts the funding fee charged at position
// close.
package userstore

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrForbidden   = errors.New("userstore: forbidden")
	ErrBadLengths  = errors.New("userstore: mismatched input lengths")
	ErrZeroAddress = errors.New("userstore: zero address")
	ErrSelfRef     = errors.New("userstore: self referral")
)

// discountShift flattens the discount curve: level L keeps the fee share
// (shift)/(L+shift).
const discountShift = 4

// Profile is one trader's record.
type Profile struct {
	Ref             common.Address
	MembershipLevel uint64
}

// Store is the user registry. Operators assign membership; referrals are
// self-service and write-once.
type Store struct {
	mu sync.Mutex

	manager  common.Address
	operator map[common.Address]bool
	profiles map[common.Address]Profile
}

func New(manager common.Address) *Store {
	return &Store{
		manager:  manager,
		operator: make(map[common.Address]bool),
		profiles: make(map[common.Address]Profile),
	}
}

func (s *Store) Manager() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager
}

// SetManager hands the store to a new manager. Manager only.
func (s *Store) SetManager(caller, next common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.manager {
		return ErrForbidden
	}
	if next == (common.Address{}) {
		return ErrZeroAddress
	}
	s.manager = next
	return nil
}

// SetOperators grants or revokes membership-assignment rights. Manager only.
func (s *Store) SetOperators(caller common.Address, operators []common.Address, allowed []bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.manager {
		return ErrForbidden
	}
	if len(operators) != len(allowed) {
		return ErrBadLengths
	}
	for i, op := range operators {
		if op == (common.Address{}) {
			return ErrZeroAddress
		}
		s.operator[op] = allowed[i]
	}
	return nil
}

// UpdateRef records who referred the user. First write wins; later calls are
// silently ignored so upstream flows can pass a referrer unconditionally.
func (s *Store) UpdateRef(user, ref common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref == (common.Address{}) {
		return nil
	}
	if ref == user {
		return ErrSelfRef
	}
	profile := s.profiles[user]
	if profile.Ref != (common.Address{}) {
		return nil
	}
	profile.Ref = ref
	s.profiles[user] = profile
	return nil
}

// UpdateMembership assigns membership levels in bulk. Manager or operator.
func (s *Store) UpdateMembership(caller common.Address, users []common.Address, levels []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.manager && !s.operator[caller] {
		return ErrForbidden
	}
	if len(users) != len(levels) {
		return ErrBadLengths
	}
	for i, user := range users {
		if user == (common.Address{}) {
			return ErrZeroAddress
		}
		profile := s.profiles[user]
		profile.MembershipLevel = levels[i]
		s.profiles[user] = profile
	}
	return nil
}

// ProfileOf returns the user's record, zero-valued when unknown.
func (s *Store) ProfileOf(user common.Address) Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[user]
}

// DiscountedFee applies the user's membership discount to a fee. Level zero
// pays full fee; higher levels asymptotically approach free.
func (s *Store) DiscountedFee(user common.Address, fee *big.Int) *big.Int {
	if fee == nil || fee.Sign() <= 0 {
		return big.NewInt(0)
	}
	s.mu.Lock()
	level := s.profiles[user].MembershipLevel
	s.mu.Unlock()
	if level == 0 {
		return new(big.Int).Set(fee)
	}
	discount := new(big.Int).Mul(fee, new(big.Int).SetUint64(level))
	discount.Quo(discount, new(big.Int).SetUint64(level+discountShift))
	return new(big.Int).Sub(fee, discount)
}

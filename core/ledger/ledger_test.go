package ledger

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	usdt  = common.HexToAddress("0x01")
	weth  = common.HexToAddress("0x02")
	alice = common.HexToAddress("0xa1")
	bob   = common.HexToAddress("0xb1")
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l := New()
	l.Register(Token{ID: usdt, Symbol: "USDT", Decimals: 6})
	l.Register(Token{ID: weth, Symbol: "WETH", Decimals: 18})
	return l
}

func TestRegisterAndDecimals(t *testing.T) {
	l := newTestLedger(t)
	dec, err := l.Decimals(usdt)
	if err != nil {
		t.Fatalf("decimals: %v", err)
	}
	if dec != 6 {
		t.Fatalf("unexpected decimals: got %d want 6", dec)
	}
	if _, err := l.Decimals(common.HexToAddress("0xff")); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestTransferMovesBalance(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Mint(usdt, alice, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Transfer(usdt, alice, bob, big.NewInt(400_000)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := l.BalanceOf(usdt, alice); got.Cmp(big.NewInt(600_000)) != 0 {
		t.Fatalf("alice balance: got %s want 600000", got)
	}
	if got := l.BalanceOf(usdt, bob); got.Cmp(big.NewInt(400_000)) != 0 {
		t.Fatalf("bob balance: got %s want 400000", got)
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Mint(weth, alice, big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Transfer(weth, alice, bob, big.NewInt(11)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := l.BalanceOf(weth, alice); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("failed transfer must not move funds: got %s", got)
	}
}

func TestTransferRejectsNonPositive(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Transfer(usdt, alice, bob, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := l.Transfer(usdt, alice, bob, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for nil amount, got %v", err)
	}
}

func TestBalanceOfReturnsCopy(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Mint(usdt, alice, big.NewInt(5)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	bal := l.BalanceOf(usdt, alice)
	bal.SetInt64(999)
	if got := l.BalanceOf(usdt, alice); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("internal balance mutated: got %s", got)
	}
}

package params

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"marginx/core/ledger"
	"marginx/state"
	"marginx/storage"
)

func TestSnapshotRoundTrip(t *testing.T) {
	journal := state.NewJournal(storage.NewMemDB())

	if _, ok, err := LoadSnapshot(journal); err != nil || ok {
		t.Fatalf("empty journal: ok=%v err=%v", ok, err)
	}

	led := ledger.New()
	reg := New(registryAddr, managerAddr, led, nil)
	if err := reg.SetMinQuoteRate(managerAddr, 10_500); err != nil {
		t.Fatalf("set min quote rate: %v", err)
	}
	if err := reg.SetManualExpiration(managerAddr, 7_200); err != nil {
		t.Fatalf("set manual expiration: %v", err)
	}
	feeTo := common.HexToAddress("0x9001")
	if err := reg.SetProtocolFee(managerAddr, 1_500, feeTo); err != nil {
		t.Fatalf("set protocol fee: %v", err)
	}
	if err := reg.SetRollbackFee(managerAddr, big.NewInt(250)); err != nil {
		t.Fatalf("set rollback fee: %v", err)
	}
	if err := SaveSnapshot(journal, reg); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	snap, ok, err := LoadSnapshot(journal)
	if err != nil || !ok {
		t.Fatalf("load snapshot: ok=%v err=%v", ok, err)
	}

	restored := New(registryAddr, managerAddr, led, nil)
	if err := restored.Restore(managerAddr, snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := restored.MinQuoteRate(); got != 10_500 {
		t.Fatalf("min quote rate = %d, want 10500", got)
	}
	if got := restored.ManualExpiration(); got != 7_200 {
		t.Fatalf("manual expiration = %d, want 7200", got)
	}
	rate, to := restored.ProtocolFee()
	if rate != 1_500 || to != feeTo {
		t.Fatalf("protocol fee = %d/%s, want 1500/%s", rate, to.Hex(), feeTo.Hex())
	}
	if got := restored.RollbackFee(); got.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("rollback fee = %s, want 250", got)
	}
}

func TestRestoreRejectsUnauthorizedCaller(t *testing.T) {
	reg := New(registryAddr, managerAddr, ledger.New(), nil)
	err := reg.Restore(common.HexToAddress("0xBAD"), Snapshot{MinQuoteRate: 11_000})
	if err == nil {
		t.Fatal("expected forbidden error")
	}
}

package params

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"marginx/storage"
)

const snapshotKey = "params/governance"

// Journal is the subset of the state journal the snapshot helpers need.
type Journal interface {
	Record(key string, value any) error
	Load(key string, out any) error
}

// Snapshot captures the governance-controlled scalar parameters so a restart
// resumes with the last applied values rather than the config defaults.
type Snapshot struct {
	MinQuoteRate       uint64 `json:"minQuoteRate"`
	ManualExpiration   uint64 `json:"manualExpiration"`
	ProtocolFeeRate    uint64 `json:"protocolFeeRate"`
	ProtocolFeeTo      string `json:"protocolFeeTo"`
	LiquidationFeeRate uint64 `json:"liquidationFeeRate"`
	LiquidationFeeTo   string `json:"liquidationFeeTo"`
	RollbackFee        string `json:"rollbackFee"`
}

// Snapshot reads the current governance parameters.
func (r *Registry) Snapshot() Snapshot {
	protocolRate, protocolTo := r.ProtocolFee()
	liqRate, liqTo := r.LiquidationFee()
	return Snapshot{
		MinQuoteRate:       r.MinQuoteRate(),
		ManualExpiration:   r.ManualExpiration(),
		ProtocolFeeRate:    protocolRate,
		ProtocolFeeTo:      protocolTo.Hex(),
		LiquidationFeeRate: liqRate,
		LiquidationFeeTo:   liqTo.Hex(),
		RollbackFee:        r.RollbackFee().String(),
	}
}

// Restore replays a snapshot through the gated setters.
func (r *Registry) Restore(caller common.Address, snap Snapshot) error {
	if snap.MinQuoteRate > 0 {
		if err := r.SetMinQuoteRate(caller, snap.MinQuoteRate); err != nil {
			return err
		}
	}
	if snap.ManualExpiration > 0 {
		if err := r.SetManualExpiration(caller, snap.ManualExpiration); err != nil {
			return err
		}
	}
	if snap.ProtocolFeeRate > 0 {
		if err := r.SetProtocolFee(caller, snap.ProtocolFeeRate, common.HexToAddress(snap.ProtocolFeeTo)); err != nil {
			return err
		}
	}
	if snap.LiquidationFeeRate > 0 {
		if err := r.SetLiquidationFee(caller, snap.LiquidationFeeRate, common.HexToAddress(snap.LiquidationFeeTo)); err != nil {
			return err
		}
	}
	if snap.RollbackFee != "" {
		fee, ok := new(big.Int).SetString(snap.RollbackFee, 10)
		if !ok {
			return fmt.Errorf("params: invalid rollback fee %q", snap.RollbackFee)
		}
		if fee.Sign() > 0 {
			if err := r.SetRollbackFee(caller, fee); err != nil {
				return err
			}
		}
	}
	return nil
}

// SaveSnapshot persists the registry's governance parameters.
func SaveSnapshot(j Journal, r *Registry) error {
	return j.Record(snapshotKey, r.Snapshot())
}

// LoadSnapshot reads the persisted parameters; ok is false when no snapshot
// was ever written.
func LoadSnapshot(j Journal) (Snapshot, bool, error) {
	var snap Snapshot
	if err := j.Load(snapshotKey, &snap); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

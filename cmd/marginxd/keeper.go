package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"marginx/native/monitor"
	"marginx/native/position"
)

// runKeeper periodically serves withdrawal requests and closes positions
// whose trigger conditions hold. Each sweep is best-effort; failures are
// logged and retried on the next tick.
func runKeeper(ctx context.Context, logger *slog.Logger, engine *position.Engine, mon *monitor.Monitor, keeper common.Address, interval time.Duration, runs, withdrawals, closes prometheus.Counter) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runs.Inc()
			sweepWithdrawals(logger, mon, keeper, withdrawals)
			sweepPositions(logger, engine, keeper, closes)
		}
	}
}

func sweepWithdrawals(logger *slog.Logger, mon *monitor.Monitor, keeper common.Address, served prometheus.Counter) {
	needed, performData, err := mon.CheckUpkeep()
	if err != nil {
		logger.Error("check upkeep", "error", err)
		return
	}
	if !needed {
		return
	}
	count, err := mon.PerformUpkeep(keeper, performData)
	if err != nil {
		logger.Error("perform upkeep", "error", err)
		return
	}
	if count > 0 {
		served.Add(float64(count))
		logger.Info("served withdrawal requests", "count", count)
	}
}

func sweepPositions(logger *slog.Logger, engine *position.Engine, keeper common.Address, closes prometheus.Counter) {
	for _, key := range engine.OpeningPositions() {
		reason, err := engine.EvaluateClose(key)
		if err != nil {
			if !errors.Is(err, position.ErrNothingToClose) && !errors.Is(err, position.ErrAlreadyClosed) {
				logger.Error("evaluate position", "key", key.Hex(), "error", err)
			}
			continue
		}
		closed, err := engine.Close(keeper, key)
		if err != nil {
			logger.Error("close position", "key", key.Hex(), "reason", reason.String(), "error", err)
			continue
		}
		closes.Inc()
		logger.Info("closed position",
			"key", closed.Key.Hex(),
			"owner", closed.Owner.Hex(),
			"reason", closed.Reason.String(),
		)
	}
}

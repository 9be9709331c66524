package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/web3-frozen/lending-keeper/internal/module"
	"github.com/web3-frozen/lending-keeper/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Modules is satisfied by *orchestrator.Orchestrator.
type Modules interface {
	Modules() []module.Module
}

// LiquidationArchive is satisfied by *store.Store.
type LiquidationArchive interface {
	RecentLiquidations(ctx context.Context, chainID uint64, limit int) ([]store.Liquidation, error)
}

type liquidationHistory interface {
	module.Module
	History() []store.Liquidation
}

// Liquidations lists executed liquidations for ?chain=, newest first. The
// database is authoritative when configured; otherwise the running
// liquidator's in-memory history is used.
func Liquidations(mods Modules, archive LiquidationArchive, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chainID, ok := chainParam(r)
		if !ok {
			http.Error(w, `{"error":"valid chain required"}`, http.StatusBadRequest)
			return
		}
		limit := defaultLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			if l, err := strconv.Atoi(v); err == nil && l > 0 && l <= maxLimit {
				limit = l
			}
		}

		if archive != nil {
			rows, err := archive.RecentLiquidations(r.Context(), chainID, limit)
			if err == nil {
				if rows == nil {
					rows = []store.Liquidation{}
				}
				writeJSON(w, http.StatusOK, rows)
				return
			}
			logger.Warn("liquidation archive unavailable, using memory", "chain", chainID, "error", err)
		}

		liq, ok := findModule[liquidationHistory](mods, chainID)
		if !ok {
			http.Error(w, `{"error":"liquidator not running on chain"}`, http.StatusNotFound)
			return
		}
		hist := liq.History()
		out := make([]store.Liquidation, 0, min(len(hist), limit))
		for i := len(hist) - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, hist[i])
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func findModule[T module.Module](mods Modules, chainID uint64) (T, bool) {
	for _, m := range mods.Modules() {
		if m.ChainID() != chainID {
			continue
		}
		if t, ok := m.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/web3-frozen/lending-keeper/internal/api"
	"github.com/web3-frozen/lending-keeper/internal/module"
	"github.com/web3-frozen/lending-keeper/internal/store"
)

// DistributionArchive is satisfied by *store.Store.
type DistributionArchive interface {
	GetDistribution(ctx context.Context, chainID uint64, date string) (*store.Distribution, error)
}

type currentPoints interface {
	module.Module
	Current() api.LeaderboardPost
}

// Points returns the running day's distribution for ?chain=. With ?date= set
// to an earlier day the archived post is returned instead.
func Points(mods Modules, archive DistributionArchive) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chainID, ok := chainParam(r)
		if !ok {
			http.Error(w, `{"error":"valid chain required"}`, http.StatusBadRequest)
			return
		}
		date := r.URL.Query().Get("date")
		if date != "" {
			if _, err := time.Parse(time.DateOnly, date); err != nil {
				http.Error(w, `{"error":"date must be YYYY-MM-DD"}`, http.StatusBadRequest)
				return
			}
		}

		if tr, ok := findModule[currentPoints](mods, chainID); ok {
			if cur := tr.Current(); date == "" || date == cur.Date {
				writeJSON(w, http.StatusOK, cur)
				return
			}
		} else if date == "" {
			http.Error(w, `{"error":"points tracker not running on chain"}`, http.StatusNotFound)
			return
		}

		if archive == nil {
			http.Error(w, `{"error":"no distribution archive configured"}`, http.StatusNotFound)
			return
		}
		d, err := archive.GetDistribution(r.Context(), chainID, date)
		if err != nil {
			http.Error(w, `{"error":"failed to load distribution"}`, http.StatusInternalServerError)
			return
		}
		if d == nil {
			http.Error(w, `{"error":"no distribution for date"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

// Package points turns market events and supply snapshots into a daily
// reward-point distribution per chain.
package points

import (
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/web3-frozen/lending-keeper/internal/api"
	"github.com/web3-frozen/lending-keeper/internal/compound"
)

// UserStats is one user's activity for a day. USD values are positive
// magnitudes per direction.
type UserStats struct {
	BaseTVL    decimal.Decimal `json:"baseTVL"`
	Supplied   decimal.Decimal `json:"supplied"`
	Withdrawn  decimal.Decimal `json:"withdrawn"`
	Borrowed   decimal.Decimal `json:"borrowed"`
	Repaid     decimal.Decimal `json:"repaid"`
	Activities api.Activities  `json:"activities"`
}

// NetContribution is what the user added to the protocol during the day:
// net supply plus net borrow.
func (u UserStats) NetContribution() decimal.Decimal {
	return u.Supplied.Sub(u.Withdrawn).Add(u.Borrowed).Sub(u.Repaid)
}

// MarketDelta is a market's net movement for a day.
type MarketDelta struct {
	NetTVL    decimal.Decimal `json:"netTVL"`
	NetBorrow decimal.Decimal `json:"netBorrow"`
}

// DailyStats accumulates one calendar day. It is not safe for concurrent
// use.
type DailyStats struct {
	Date           string
	Users          map[common.Address]*UserStats
	Markets        map[common.Address]*MarketDelta
	TotalNetTVL    decimal.Decimal
	TotalNetBorrow decimal.Decimal
	Events         int
	BaselineAt     time.Time

	seen map[string]bool
}

func NewDailyStats(date string) *DailyStats {
	return &DailyStats{
		Date:    date,
		Users:   make(map[common.Address]*UserStats),
		Markets: make(map[common.Address]*MarketDelta),
		seen:    make(map[string]bool),
	}
}

func (d *DailyStats) user(addr common.Address) *UserStats {
	u, ok := d.Users[addr]
	if !ok {
		u = &UserStats{}
		d.Users[addr] = u
	}
	return u
}

func (d *DailyStats) market(addr common.Address) *MarketDelta {
	m, ok := d.Markets[addr]
	if !ok {
		m = &MarketDelta{}
		d.Markets[addr] = m
	}
	return m
}

func logKey(m compound.LogMeta) string {
	return fmt.Sprintf("%s:%d", m.TxHash.Hex(), m.LogIndex)
}

// Apply adds one event worth usd to the day. It returns false when the same
// log was already applied.
func (d *DailyStats) Apply(ev compound.Event, usd decimal.Decimal) bool {
	meta := ev.Meta()
	key := logKey(meta)
	if d.seen[key] {
		return false
	}
	d.seen[key] = true

	u := d.user(ev.Account())
	m := d.market(meta.Market)
	switch ev.Kind() {
	case compound.KindMint:
		u.Supplied = u.Supplied.Add(usd)
		u.Activities.Supplies++
		m.NetTVL = m.NetTVL.Add(usd)
		d.TotalNetTVL = d.TotalNetTVL.Add(usd)
	case compound.KindRedeem:
		u.Withdrawn = u.Withdrawn.Add(usd)
		u.Activities.Withdraws++
		m.NetTVL = m.NetTVL.Sub(usd)
		d.TotalNetTVL = d.TotalNetTVL.Sub(usd)
	case compound.KindBorrow:
		u.Borrowed = u.Borrowed.Add(usd)
		u.Activities.Borrows++
		m.NetBorrow = m.NetBorrow.Add(usd)
		d.TotalNetBorrow = d.TotalNetBorrow.Add(usd)
	case compound.KindRepay:
		u.Repaid = u.Repaid.Add(usd)
		u.Activities.Repays++
		m.NetBorrow = m.NetBorrow.Sub(usd)
		d.TotalNetBorrow = d.TotalNetBorrow.Sub(usd)
	}
	d.Events++
	return true
}

// SetBaseTVL records a user's summed supply share in percent.
func (d *DailyStats) SetBaseTVL(addr common.Address, pct decimal.Decimal) {
	if pct.IsZero() {
		if u, ok := d.Users[addr]; ok {
			u.BaseTVL = decimal.Zero
		}
		return
	}
	d.user(addr).BaseTVL = pct
}

// Addresses lists every user seen today, sorted.
func (d *DailyStats) Addresses() []common.Address {
	out := make([]common.Address, 0, len(d.Users))
	for addr := range d.Users {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

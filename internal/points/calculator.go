package points

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/web3-frozen/lending-keeper/internal/api"
)

// DefaultMinPoints drops awards that round to nothing.
var DefaultMinPoints = decimal.RequireFromString("0.01")

var half = decimal.RequireFromString("0.5")

// Calculator splits a daily budget between users. Half the budget follows
// each user's share of total base TVL, half their share of positive net
// contribution. When one side sums to zero the other gets the full weight.
type Calculator struct {
	Budget    decimal.Decimal
	MinPoints decimal.Decimal
}

// Distribute returns the ranked awards for a day, highest first. Users
// whose award is below MinPoints are left out.
func (c Calculator) Distribute(d *DailyStats) []api.Distribution {
	var totalBase, totalNet decimal.Decimal
	for _, u := range d.Users {
		if u.BaseTVL.IsPositive() {
			totalBase = totalBase.Add(u.BaseTVL)
		}
		if net := u.NetContribution(); net.IsPositive() {
			totalNet = totalNet.Add(net)
		}
	}

	baseWeight, netWeight := half, half
	switch {
	case totalBase.IsZero() && totalNet.IsZero():
		return []api.Distribution{}
	case totalBase.IsZero():
		baseWeight, netWeight = decimal.Zero, decimal.NewFromInt(1)
	case totalNet.IsZero():
		baseWeight, netWeight = decimal.NewFromInt(1), decimal.Zero
	}

	minPoints := c.MinPoints
	if minPoints.IsZero() {
		minPoints = DefaultMinPoints
	}

	out := make([]api.Distribution, 0, len(d.Users))
	for _, addr := range d.Addresses() {
		u := d.Users[addr]
		score := decimal.Zero
		if baseWeight.IsPositive() && u.BaseTVL.IsPositive() {
			score = score.Add(u.BaseTVL.Div(totalBase).Mul(baseWeight))
		}
		net := u.NetContribution()
		if netWeight.IsPositive() && net.IsPositive() {
			score = score.Add(net.Div(totalNet).Mul(netWeight))
		}
		pts := c.Budget.Mul(score).Truncate(2)
		if pts.LessThan(minPoints) {
			continue
		}
		out = append(out, api.Distribution{
			Address:         addr.Hex(),
			Points:          pts,
			BaseTVL:         u.BaseTVL,
			NetContribution: net,
			Activities:      u.Activities,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Points.GreaterThan(out[j].Points) })
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

package points

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/web3-frozen/lending-keeper/internal/api"
	"github.com/web3-frozen/lending-keeper/internal/chain"
	"github.com/web3-frozen/lending-keeper/internal/compound"
	"github.com/web3-frozen/lending-keeper/internal/config"
	"github.com/web3-frozen/lending-keeper/internal/dedup"
	"github.com/web3-frozen/lending-keeper/internal/metrics"
	"github.com/web3-frozen/lending-keeper/internal/module"
	"github.com/web3-frozen/lending-keeper/internal/store"
)

const (
	Name = config.ModulePoints

	eventClaimTTL = 48 * time.Hour
)

type Events interface {
	MarketEvents(ctx context.Context, market common.Address, from, to uint64) ([]compound.Event, error)
}

type Blocks interface {
	BlockNumber(ctx context.Context, chainID uint64) (uint64, error)
}

type Prices interface {
	Price(ctx context.Context, chainID uint64, symbol string) (api.PriceQuote, error)
}

// Balances is satisfied by *balance.Manager.
type Balances interface {
	BaseTVL(ctx context.Context, markets []common.Address, user common.Address) decimal.Decimal
}

type Users interface {
	FetchUsers(ctx context.Context) ([]common.Address, error)
}

type Poster interface {
	PostLeaderboard(ctx context.Context, post api.LeaderboardPost) error
}

// Checkpoints persists per-market high-water marks. *store.Store satisfies it.
type Checkpoints interface {
	LoadCheckpoints(ctx context.Context, chainID uint64) (map[string]uint64, error)
	SaveCheckpoint(ctx context.Context, chainID uint64, market string, block uint64) error
}

type Archive interface {
	SaveDistribution(ctx context.Context, d store.Distribution) error
}

// Claimer records processed logs across restarts. *dedup.Deduplicator
// satisfies it.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type AlertFunc func(ctx context.Context, key, message string)

type Deps struct {
	Chain       chain.ChainContext
	Events      Events
	Blocks      Blocks
	Prices      Prices
	Balances    Balances
	Users       Users
	Poster      Poster
	Checkpoints Checkpoints
	Archive     Archive
	Claimer     Claimer
	Alert       AlertFunc
	Logger      *slog.Logger
	Now         func() time.Time
}

// PostStatus is the outcome of the latest leaderboard post.
type PostStatus struct {
	Date   string    `json:"date"`
	Final  bool      `json:"final"`
	Posted bool      `json:"posted"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

type Tracker struct {
	cfg    config.PointsConfig
	chain  chain.ChainContext
	label  string
	calc   Calculator
	d      Deps
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	stats    *DailyStats
	marks    map[common.Address]uint64
	lastScan time.Time
	lastPost *PostStatus
}

func New(cfg config.PointsConfig, d Deps) *Tracker {
	budget := d.Chain.DailyPointBudget
	if !budget.IsPositive() {
		budget = cfg.DailyPointBudget
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		cfg:    cfg,
		chain:  d.Chain,
		label:  strconv.FormatUint(d.Chain.ID, 10),
		calc:   Calculator{Budget: budget},
		d:      d,
		logger: d.Logger,
		now:    now,
		marks:  make(map[common.Address]uint64),
	}
}

func (t *Tracker) Name() string    { return Name }
func (t *Tracker) ChainID() uint64 { return t.chain.ID }

func (t *Tracker) today() string { return t.now().UTC().Format(time.DateOnly) }

func (t *Tracker) Initialize(ctx context.Context) error {
	if t.d.Events == nil || t.d.Blocks == nil || t.d.Prices == nil {
		return fmt.Errorf("chain access %w for points on chain %d", chain.ErrNotConfigured, t.chain.ID)
	}
	if t.d.Balances == nil || t.d.Poster == nil {
		return fmt.Errorf("points api %w", chain.ErrNotConfigured)
	}

	head, err := t.d.Blocks.BlockNumber(ctx, t.chain.ID)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}

	var saved map[string]uint64
	if t.d.Checkpoints != nil {
		saved, err = t.d.Checkpoints.LoadCheckpoints(ctx, t.chain.ID)
		if err != nil {
			t.logger.Warn("load checkpoints failed, starting from head", "error", err)
		}
	}

	t.mu.Lock()
	t.stats = NewDailyStats(t.today())
	for _, m := range t.chain.Markets {
		mark := head
		if v, ok := saved[marketKey(m.CToken)]; ok && v <= head {
			mark = v
		}
		t.marks[m.CToken] = mark
	}
	stats := t.stats
	t.mu.Unlock()

	t.refreshBaseline(ctx, stats)
	t.logger.Info("point tracker ready",
		"date", stats.Date,
		"markets", len(t.chain.Markets),
		"head", head,
		"budget", t.calc.Budget.String(),
		"users", len(stats.Users))
	return nil
}

func (t *Tracker) Run(_ context.Context, s *module.Scheduler) error {
	s.Every("scan", t.cfg.ScanInterval, true, t.Scan)
	s.Every("summary", t.cfg.SummaryInterval, false, t.Summary)
	return nil
}

func (t *Tracker) Cleanup(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stats != nil {
		t.logger.Info("point tracker stopped", "date", t.stats.Date, "events", t.stats.Events)
	}
	return nil
}

func (t *Tracker) HealthStatus() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	marks := make(map[string]uint64, len(t.marks))
	for m, b := range t.marks {
		marks[marketKey(m)] = b
	}
	out := map[string]any{
		"marks": marks,
	}
	if t.stats != nil {
		out["date"] = t.stats.Date
		out["users"] = len(t.stats.Users)
		out["events"] = t.stats.Events
	}
	if !t.lastScan.IsZero() {
		out["last_scan"] = t.lastScan
	}
	if t.lastPost != nil {
		out["last_post"] = *t.lastPost
	}
	return out
}

func marketKey(addr common.Address) string { return strings.ToLower(addr.Hex()) }

// window returns the next block range for a market, bounded by
// MaxBlocksPerScan.
func (t *Tracker) window(market common.Address, head uint64) (from, to uint64, ok bool) {
	t.mu.Lock()
	mark := t.marks[market]
	t.mu.Unlock()

	from = mark + 1
	if from > head {
		return 0, 0, false
	}
	to = head
	if n := t.cfg.MaxBlocksPerScan; n > 0 && to-from+1 > n {
		to = from + n - 1
	}
	return from, to, true
}

type marketScan struct {
	market chain.Market
	to     uint64
	price  decimal.Decimal
	events []compound.Event
}

// Scan reads the next range of every market and applies the events. A
// market's mark only moves when its whole range was read.
func (t *Tracker) Scan(ctx context.Context) error {
	t.rollover(ctx)

	head, err := t.d.Blocks.BlockNumber(ctx, t.chain.ID)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}

	var scans []marketScan
	failed := 0
	for _, m := range t.chain.Markets {
		from, to, ok := t.window(m.CToken, head)
		if !ok {
			continue
		}
		sc, err := t.scanMarket(ctx, m, from, to)
		if err != nil {
			failed++
			t.logger.Warn("market scan failed", "market", m.Symbol, "from", from, "to", to, "error", err)
			continue
		}
		scans = append(scans, sc)
	}

	applied := t.apply(ctx, scans)

	for _, sc := range scans {
		t.mu.Lock()
		t.marks[sc.market.CToken] = sc.to
		t.mu.Unlock()
		metrics.PointsScannedBlock.WithLabelValues(t.label, sc.market.Symbol).Set(float64(sc.to))
		if t.d.Checkpoints != nil {
			if err := t.d.Checkpoints.SaveCheckpoint(ctx, t.chain.ID, marketKey(sc.market.CToken), sc.to); err != nil {
				t.logger.Warn("save checkpoint failed", "market", sc.market.Symbol, "error", err)
			}
		}
	}

	t.mu.Lock()
	t.lastScan = t.now()
	t.mu.Unlock()

	if applied > 0 {
		t.logger.Info("point events applied", "events", applied, "head", head)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d markets failed", failed, len(t.chain.Markets))
	}
	return nil
}

func (t *Tracker) scanMarket(ctx context.Context, m chain.Market, from, to uint64) (marketScan, error) {
	sc := marketScan{market: m, to: to}
	err := module.Retry(ctx, module.DefaultRetry, func(ctx context.Context) error {
		var err error
		sc.events, err = t.d.Events.MarketEvents(ctx, m.CToken, from, to)
		return err
	})
	if err != nil {
		return sc, err
	}
	if len(sc.events) == 0 {
		return sc, nil
	}
	q, err := t.d.Prices.Price(ctx, t.chain.ID, m.Symbol)
	if err != nil {
		return sc, fmt.Errorf("price %s: %w", m.Symbol, err)
	}
	sc.price = q.Price
	return sc, nil
}

// apply merges the events of every scanned market in chain order and adds
// them to the current day.
func (t *Tracker) apply(ctx context.Context, scans []marketScan) int {
	byMarket := make(map[common.Address]marketScan, len(scans))
	var all []compound.Event
	for _, sc := range scans {
		byMarket[sc.market.CToken] = sc
		all = append(all, sc.events...)
	}
	compound.SortEvents(all)

	fresh := all[:0]
	for _, ev := range all {
		if t.claim(ctx, ev) {
			fresh = append(fresh, ev)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	applied := 0
	for _, ev := range fresh {
		sc := byMarket[ev.Meta().Market]
		usd := compound.FromUnits(ev.Amount(), sc.market.Decimals).Mul(sc.price)
		if t.stats.Apply(ev, usd) {
			applied++
			metrics.PointEventsApplied.WithLabelValues(t.label, string(ev.Kind())).Inc()
		}
	}
	return applied
}

// claim reports whether ev has not been processed before. Without Redis
// the in-memory day set is the only guard.
func (t *Tracker) claim(ctx context.Context, ev compound.Event) bool {
	if t.d.Claimer == nil {
		return true
	}
	meta := ev.Meta()
	ok, err := t.d.Claimer.Claim(ctx, dedup.EventKey(t.chain.ID, meta.TxHash, meta.LogIndex), eventClaimTTL)
	if err != nil {
		t.logger.Warn("event dedup unavailable", "error", err)
		return true
	}
	return ok
}

// refreshBaseline recomputes every known user's base TVL share on stats.
func (t *Tracker) refreshBaseline(ctx context.Context, stats *DailyStats) {
	known := make(map[common.Address]bool)
	var users []common.Address
	add := func(addrs []common.Address) {
		for _, a := range addrs {
			if !known[a] {
				known[a] = true
				users = append(users, a)
			}
		}
	}

	if t.d.Users != nil {
		var fetched []common.Address
		err := module.Retry(ctx, module.DefaultRetry, func(ctx context.Context) error {
			var err error
			fetched, err = t.d.Users.FetchUsers(ctx)
			return err
		})
		if err != nil {
			t.logger.Warn("fetch users failed, using today's users only", "error", err)
		}
		add(fetched)
	}
	t.mu.Lock()
	add(stats.Addresses())
	t.mu.Unlock()

	markets := t.chain.CTokens()
	shares := make(map[common.Address]decimal.Decimal, len(users))
	for _, u := range users {
		if module.Stopping(ctx) {
			return
		}
		shares[u] = t.d.Balances.BaseTVL(ctx, markets, u)
	}

	t.mu.Lock()
	for u, pct := range shares {
		stats.SetBaseTVL(u, pct)
	}
	stats.BaselineAt = t.now()
	t.mu.Unlock()
	t.logger.Info("base tvl refreshed", "date", stats.Date, "users", len(users))
}

// rollover finalizes the previous day once the date changes. The new day
// starts empty whether or not the final post succeeds.
func (t *Tracker) rollover(ctx context.Context) {
	today := t.today()
	t.mu.Lock()
	if t.stats.Date == today {
		t.mu.Unlock()
		return
	}
	old := t.stats
	t.stats = NewDailyStats(today)
	t.mu.Unlock()

	t.logger.Info("day rolled over", "finished", old.Date, "users", len(old.Users), "events", old.Events)
	t.refreshBaseline(ctx, old)
	if err := t.publish(ctx, old, true); err != nil {
		t.logger.Error("final distribution not posted", "date", old.Date, "error", err)
	}
}

// Summary posts the running day's distribution, rolling over first when
// the date has changed.
func (t *Tracker) Summary(ctx context.Context) error {
	t.rollover(ctx)

	t.mu.Lock()
	cur := t.stats
	needBaseline := cur.BaselineAt.IsZero()
	t.mu.Unlock()

	if needBaseline {
		t.refreshBaseline(ctx, cur)
	}
	return t.publish(ctx, cur, false)
}

// Current returns the running day's distribution without posting it. Before
// Initialize it returns an empty post for today.
func (t *Tracker) Current() api.LeaderboardPost {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stats == nil {
		return api.LeaderboardPost{Date: t.today(), Summary: api.Summary{ChainID: t.chain.ID}}
	}
	return t.build(t.stats, false)
}

// build must be called with t.mu held.
func (t *Tracker) build(stats *DailyStats, final bool) api.LeaderboardPost {
	dist := t.calc.Distribute(stats)
	total := decimal.Zero
	for _, d := range dist {
		total = total.Add(d.Points)
	}
	return api.LeaderboardPost{
		Date:          stats.Date,
		Distributions: dist,
		Summary: api.Summary{
			ChainID:         t.chain.ID,
			TotalUsers:      len(stats.Users),
			RewardedUsers:   len(dist),
			TotalPoints:     total,
			TotalNetTVL:     stats.TotalNetTVL,
			TotalNetBorrow:  stats.TotalNetBorrow,
			EventsProcessed: stats.Events,
			Final:           final,
		},
	}
}

func (t *Tracker) publish(ctx context.Context, stats *DailyStats, final bool) error {
	t.mu.Lock()
	post := t.build(stats, final)
	t.mu.Unlock()

	err := module.Retry(ctx, module.DefaultRetry, func(ctx context.Context) error {
		return t.d.Poster.PostLeaderboard(ctx, post)
	})

	kind, status := "interim", "ok"
	if final {
		kind = "final"
	}
	res := PostStatus{Date: post.Date, Final: final, Posted: err == nil, At: t.now()}
	if err != nil {
		status = "error"
		res.Error = err.Error()
	}
	metrics.PointsPostsTotal.WithLabelValues(t.label, kind, status).Inc()

	t.mu.Lock()
	t.lastPost = &res
	t.mu.Unlock()

	if t.d.Archive != nil {
		payload, _ := json.Marshal(post)
		rec := store.Distribution{
			ChainID:  t.chain.ID,
			Date:     post.Date,
			Final:    final,
			Posted:   res.Posted,
			Error:    res.Error,
			Payload:  payload,
			PostedAt: res.At,
		}
		if aerr := t.d.Archive.SaveDistribution(ctx, rec); aerr != nil {
			t.logger.Warn("archive distribution failed", "date", post.Date, "error", aerr)
		}
	}

	if final && t.d.Alert != nil {
		msg := fmt.Sprintf("🏆 Daily points for %s on %s\n\nRewarded users: %d\nTotal points: %s\nEvents: %d",
			post.Date, t.chain.Name, post.Summary.RewardedUsers, post.Summary.TotalPoints.StringFixed(2), post.Summary.EventsProcessed)
		if err != nil {
			msg = fmt.Sprintf("❌ Daily points for %s on %s were not posted: %v", post.Date, t.chain.Name, err)
		}
		t.d.Alert(ctx, "points:"+t.label+":"+post.Date, msg)
	}

	if err != nil {
		return fmt.Errorf("post %s distribution for %s: %w", kind, post.Date, err)
	}
	t.logger.Info("distribution posted", "date", post.Date, "final", final,
		"rewarded", post.Summary.RewardedUsers, "points", post.Summary.TotalPoints.String())
	return nil
}

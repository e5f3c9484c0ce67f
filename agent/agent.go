package agent

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"roma/config"
	"roma/decision"
	"roma/executor"
	"roma/ledger"
	"roma/market"
	"roma/mcp"
	"roma/risk"
	"roma/trader"
)

// depositTolerance is how far the wallet delta may drift from the realized
// pnl delta before we flag an external transfer (fees and funding live here)
const depositTolerance = 1.0

// Agent binds one venue account to one reasoning source and runs the
// decision cycle on its own schedule
type Agent struct {
	cfg    config.AgentConfig
	llm    *mcp.Client
	trader trader.Trader
	market *market.Provider
	exec   *executor.Executor
	store  *ledger.Store

	// accountMu serializes venue access for agents sharing an account.
	// cycleMu makes a still-running cycle skip the next tick instead of
	// queueing behind it.
	accountMu *sync.Mutex
	cycleMu   sync.Mutex

	cycle     int
	startTime time.Time
	running   atomic.Bool
}

// New wires an agent from already-built dependencies. The cycle counter is
// restored from the ledger so numbering survives restarts.
func New(cfg config.AgentConfig, llm *mcp.Client, t trader.Trader, provider *market.Provider, store *ledger.Store, accountMu *sync.Mutex) (*Agent, error) {
	a := &Agent{
		cfg:       cfg,
		llm:       llm,
		trader:    t,
		market:    provider,
		exec:      executor.New(t),
		store:     store,
		accountMu: accountMu,
	}

	cycle, err := store.MaxCycle(cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to restore cycle number: %w", err)
	}
	a.cycle = cycle
	if cycle > 0 {
		log.Printf("✅ [%s] Restored cycle number, continuing from #%d", cfg.ID, cycle)
	}
	return a, nil
}

func (a *Agent) ID() string   { return a.cfg.ID }
func (a *Agent) Name() string { return a.cfg.Name }

// Trader exposes the venue gateway for read-only account queries
func (a *Agent) Trader() trader.Trader { return a.trader }

// Running reports whether the agent's run loop is active
func (a *Agent) Running() bool { return a.running.Load() }

// Uptime is how long the run loop has been up, 0 when stopped
func (a *Agent) Uptime() time.Duration {
	if !a.running.Load() {
		return 0
	}
	return time.Since(a.startTime)
}

// Run executes decision cycles until ctx is cancelled. The first cycle runs
// immediately, then on the configured interval.
func (a *Agent) Run(ctx context.Context) {
	a.startTime = time.Now()
	a.running.Store(true)
	defer a.running.Store(false)
	interval := a.cfg.Interval()
	log.Printf("🤖 [%s] Agent started (venue: %s, model: %s, interval: %v)",
		a.cfg.ID, a.trader.Name(), a.llm.Model, interval)

	a.runCycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("🛑 [%s] Agent stopped", a.cfg.ID)
			return
		case <-ticker.C:
			a.runCycle(ctx)
		}
	}
}

// runCycle executes one full decision cycle. Every cycle leaves a record in
// the ledger, including failed ones.
func (a *Agent) runCycle(ctx context.Context) {
	if !a.cycleMu.TryLock() {
		log.Printf("⚠️ [%s] Previous cycle still running, skipping this tick", a.cfg.ID)
		return
	}
	defer a.cycleMu.Unlock()

	a.accountMu.Lock()
	defer a.accountMu.Unlock()

	a.cycle++
	started := time.Now().UTC()
	log.Printf("🔄 [%s] Cycle #%d starting", a.cfg.ID, a.cycle)

	record := &ledger.Decision{
		AgentID:   a.cfg.ID,
		Cycle:     a.cycle,
		Timestamp: started,
		Success:   true,
	}

	err := a.decide(ctx, record)
	if err != nil {
		record.Success = false
		record.ErrorMessage = err.Error()
		log.Printf("❌ [%s] Cycle #%d failed: %v", a.cfg.ID, a.cycle, err)
	} else {
		log.Printf("✅ [%s] Cycle #%d complete (%d actions, %.1fs)",
			a.cfg.ID, a.cycle, len(record.Actions), time.Since(started).Seconds())
	}

	if saveErr := a.store.SaveDecision(record); saveErr != nil {
		log.Printf("⚠️ [%s] Failed to persist cycle #%d: %v", a.cfg.ID, a.cycle, saveErr)
	}
}

func (a *Agent) decide(ctx context.Context, record *ledger.Decision) error {
	// 1. account state
	balance, err := a.trader.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("failed to get balance: %w", err)
	}

	// the equity curve must not gap, whatever else goes wrong this cycle
	defer func() { a.recordEquity(balance) }()

	record.Equity = balance.TotalEquity
	record.Available = balance.Available
	record.UnrealizedPnL = balance.UnrealizedPnL
	if balance.TotalEquity > 0 {
		record.MarginUsedPct = balance.MarginUsed / balance.TotalEquity * 100
	}

	positions, err := a.trader.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to get positions: %w", err)
	}
	record.PositionCount = len(positions)

	// daily loss circuit breaker: once tripped, the cycle degrades to an
	// equity refresh; the reasoning source is not consulted again today
	dayStart := a.dayStartEquity(balance.TotalEquity)
	if dayStart > 0 {
		lossPct := (dayStart - balance.TotalEquity) / dayStart * 100
		if lossPct >= a.cfg.Risk.DailyLossLimitPct {
			log.Printf("🚫 [%s] Daily loss limit tripped (down %.2f%%, limit %.2f%%), idling until UTC midnight",
				a.cfg.ID, lossPct, a.cfg.Risk.DailyLossLimitPct)
			record.CoTTrace = fmt.Sprintf("Daily loss limit tripped: down %.2f%% from day-start equity %.2f. Cycle reduced to an equity refresh until UTC midnight.",
				lossPct, dayStart)
			return nil
		}
	}

	// 2. market data
	snapshots := a.market.GetAll(ctx, a.watchlist(positions))
	if len(snapshots) == 0 {
		return fmt.Errorf("no market data available")
	}
	prices := make(map[string]float64, len(snapshots))
	for symbol, snap := range snapshots {
		prices[symbol] = snap.CurrentPrice
	}

	// 3. prompt context
	promptCtx := a.buildContext(balance, positions, snapshots)
	systemPrompt := decision.BuildSystemPrompt(promptCtx)
	userPrompt := decision.BuildUserPrompt(promptCtx)
	record.UserPrompt = userPrompt

	// 4. model call
	raw, err := a.llm.CallWithMessages(ctx, systemPrompt, userPrompt)
	if err != nil {
		return fmt.Errorf("model call failed: %w", err)
	}

	// 5. parse
	result := decision.Parse(raw, prices)
	record.CoTTrace = result.CoTTrace
	record.RawResponse = result.RawResponse
	record.ParseNotes = result.ParseNotes

	// 6. validate and execute, closes first
	acctState := risk.AccountState{
		TotalEquity:      balance.TotalEquity,
		AvailableBalance: balance.Available,
		DayStartEquity:   dayStart,
		OpenPositions:    len(positions),
		TotalNotional:    totalNotional(positions),
	}

	balance = a.executeActions(ctx, result.Actions, acctState, balance, positions, prices, record)

	return nil
}

// executeActions runs approved actions against the venue. Shutdown cancels
// ctx to stop scheduling; an order already being placed must still run to
// completion so it never goes unrecorded. Returns the last balance snapshot.
func (a *Agent) executeActions(ctx context.Context, actions []decision.Action, acctState risk.AccountState, balance *trader.Balance, positions []trader.Position, prices map[string]float64, record *ledger.Decision) *trader.Balance {
	execCtx := context.WithoutCancel(ctx)

	for _, action := range actions {
		a.applyAction(execCtx, action, &acctState, positions, prices, record)

		// refresh the snapshot after anything that changed the account
		if action.Kind.IsOpen() || action.Kind.IsClose() {
			if fresh, err := a.trader.GetPositions(execCtx); err == nil {
				positions = fresh
				acctState.OpenPositions = len(fresh)
				acctState.TotalNotional = totalNotional(fresh)
			}
			if freshBal, err := a.trader.GetBalance(execCtx); err == nil {
				balance = freshBal
				acctState.TotalEquity = freshBal.TotalEquity
				acctState.AvailableBalance = freshBal.Available
			}
		}
	}

	return balance
}

// applyAction runs one action through the risk chain and the executor,
// appending its outcome to the cycle record
func (a *Agent) applyAction(ctx context.Context, action decision.Action, acct *risk.AccountState, positions []trader.Position, prices map[string]float64, record *ledger.Decision) {
	now := time.Now().UTC()
	if !action.Kind.IsOpen() && !action.Kind.IsClose() {
		record.Actions = append(record.Actions, ledger.ActionRecord{
			Kind: string(action.Kind), Symbol: action.Symbol, Success: true, Timestamp: now,
		})
		return
	}

	limits := a.cfg.Risk
	if action.Kind.IsOpen() {
		// the venue's own minimum for the symbol wins when it is stricter
		if venueMin, err := a.trader.MinOrderSize(ctx, action.Symbol); err == nil && venueMin > limits.MinOrderUSD {
			limits.MinOrderUSD = venueMin
		}
	}

	verdict := risk.Evaluate(limits, *acct, action, prices[action.Symbol])
	if !verdict.Allowed {
		detail := verdict.Violations[0].String()
		log.Printf("🚫 [%s] %s %s rejected: %s", a.cfg.ID, action.Kind, action.Symbol, detail)
		record.Actions = append(record.Actions, ledger.ActionRecord{
			Kind: string(action.Kind), Symbol: action.Symbol,
			Error: detail, Timestamp: now,
		})
		return
	}

	fills, err := a.exec.Execute(ctx, action, positions)
	if err != nil {
		log.Printf("❌ [%s] %s %s failed: %v", a.cfg.ID, action.Kind, action.Symbol, err)
		record.Actions = append(record.Actions, ledger.ActionRecord{
			Kind: string(action.Kind), Symbol: action.Symbol,
			Error: err.Error(), Timestamp: now,
		})
		return
	}

	for _, fill := range fills {
		rec := ledger.ActionRecord{
			Kind:      string(fill.Kind),
			Symbol:    fill.Symbol,
			Quantity:  fill.Quantity,
			Price:     fill.AvgPrice,
			Leverage:  fill.Leverage,
			OrderID:   fill.OrderID,
			Success:   true,
			Error:     fill.Warning,
			Timestamp: fill.Timestamp,
		}
		record.Actions = append(record.Actions, rec)

		if fill.Kind.IsClose() {
			openedAt := fill.Timestamp
			if pos := positionFor(positions, fill.Symbol, fill.Side); pos != nil && pos.OpenedAt > 0 {
				openedAt = time.UnixMilli(pos.OpenedAt).UTC()
			}
			trade := &ledger.Trade{
				AgentID:     a.cfg.ID,
				Symbol:      fill.Symbol,
				Side:        fill.Side,
				Quantity:    fill.Quantity,
				EntryPrice:  fill.EntryPrice,
				ExitPrice:   fill.AvgPrice,
				RealizedPnL: fill.RealizedPnL,
				Leverage:    fill.Leverage,
				OpenedAt:    openedAt,
				ClosedAt:    fill.Timestamp,
			}
			if err := a.store.RecordTrade(trade); err != nil {
				log.Printf("⚠️ [%s] Failed to record trade: %v", a.cfg.ID, err)
			}
			log.Printf("📈 [%s] %s %s closed: %.4f @ %.4f, pnl %+.2f USDT",
				a.cfg.ID, fill.Symbol, fill.Side, fill.Quantity, fill.AvgPrice, fill.RealizedPnL)
		}
	}
}

// recordEquity appends the cycle's equity sample and flags wallet moves that
// trading cannot explain (external deposits or withdrawals)
func (a *Agent) recordEquity(balance *trader.Balance) {
	var netDeposit float64
	last, err := a.store.LastEquityPoint(a.cfg.ID)
	if err == nil && last != nil {
		realized, _ := a.store.RealizedPnLSince(a.cfg.ID, last.Timestamp)
		walletDelta := balance.WalletBalance - last.WalletBalance
		unexplained := walletDelta - realized
		if math.Abs(unexplained) > depositTolerance {
			netDeposit = unexplained
			log.Printf("⚠️ [%s] Wallet moved %+.2f USDT but realized pnl was %+.2f, recording external transfer of %+.2f",
				a.cfg.ID, walletDelta, realized, unexplained)
		}
	}

	point := &ledger.EquityPoint{
		AgentID:       a.cfg.ID,
		Cycle:         a.cycle,
		Timestamp:     time.Now().UTC(),
		Equity:        balance.TotalEquity,
		WalletBalance: balance.WalletBalance,
		UnrealizedPnL: balance.UnrealizedPnL,
		NetDeposit:    netDeposit,
	}
	if err := a.store.RecordEquityPoint(point); err != nil {
		log.Printf("⚠️ [%s] Failed to record equity point: %v", a.cfg.ID, err)
	}
}

// dayStartEquity anchors the daily loss limit at the first equity sample of
// the current UTC day, falling back to current equity when none exists
func (a *Agent) dayStartEquity(current float64) float64 {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	point, err := a.store.FirstEquitySince(a.cfg.ID, midnight)
	if err != nil || point == nil {
		return current
	}
	return point.Equity
}

// watchlist is the configured symbols plus anything currently held
func (a *Agent) watchlist(positions []trader.Position) []string {
	seen := make(map[string]bool, len(a.cfg.Symbols))
	symbols := make([]string, 0, len(a.cfg.Symbols)+len(positions))
	for _, s := range a.cfg.Symbols {
		upper := strings.ToUpper(s)
		if !seen[upper] {
			seen[upper] = true
			symbols = append(symbols, upper)
		}
	}
	for _, pos := range positions {
		if !seen[pos.Symbol] {
			seen[pos.Symbol] = true
			symbols = append(symbols, pos.Symbol)
		}
	}
	return symbols
}

func (a *Agent) buildContext(balance *trader.Balance, positions []trader.Position, snapshots map[string]*market.Snapshot) *decision.Context {
	acct := decision.AccountInfo{
		TotalEquity:      balance.TotalEquity,
		WalletBalance:    balance.WalletBalance,
		AvailableBalance: balance.Available,
		MarginUsed:       balance.MarginUsed,
		PositionCount:    len(positions),
	}
	if a.cfg.InitialBalance > 0 {
		acct.TotalPnL = balance.TotalEquity - a.cfg.InitialBalance
		acct.TotalPnLPct = acct.TotalPnL / a.cfg.InitialBalance * 100
	}
	if balance.TotalEquity > 0 {
		acct.MarginUsedPct = balance.MarginUsed / balance.TotalEquity * 100
	}

	infos := make([]decision.PositionInfo, 0, len(positions))
	for _, pos := range positions {
		info := decision.PositionInfo{
			Symbol:           pos.Symbol,
			Side:             pos.Side,
			EntryPrice:       pos.EntryPrice,
			MarkPrice:        pos.MarkPrice,
			Quantity:         pos.Quantity,
			Leverage:         pos.Leverage,
			UnrealizedPnL:    pos.UnrealizedPnL,
			LiquidationPrice: pos.LiquidationPrice,
			MarginUsed:       pos.Margin(),
			OpenedAt:         pos.OpenedAt,
		}
		if info.MarginUsed > 0 {
			info.UnrealizedPnLPct = pos.UnrealizedPnL / info.MarginUsed * 100
		}
		infos = append(infos, info)
	}

	var perfSummary string
	if perf, err := a.store.ComputePerformance(a.cfg.ID); err == nil {
		perfSummary = perf.PromptSummary()
	}

	limits := a.cfg.Risk
	return &decision.Context{
		CurrentTime:    time.Now().UTC().Format("2006-01-02 15:04:05 UTC"),
		CycleNumber:    a.cycle,
		RuntimeMinutes: int(time.Since(a.startTime).Minutes()),
		Account:        acct,
		Positions:      infos,
		Symbols:        a.cfg.Symbols,
		Snapshots:      snapshots,
		Rules: decision.TradingRules{
			MaxPositions:        limits.MaxPositions,
			MaxLeverageMajor:    limits.MaxLeverageMajor,
			MaxLeverageAlt:      limits.MaxLeverageAlt,
			MaxPositionSizePct:  limits.MaxPositionSizePct,
			MaxTotalExposurePct: limits.MaxTotalExposurePct,
			SingleTradeFlatPct:  limits.MaxSingleTradePct,
			SingleTradeBusyPct:  limits.MaxSingleTradeBusyPct,
			MinRiskReward:       limits.MinRiskReward,
			MaxDailyLossPct:     limits.DailyLossLimitPct,
			MinOrderUSD:         limits.MinOrderUSD,
		},
		PerformanceSummary: perfSummary,
		Persona:            a.cfg.PromptTemplate,
	}
}

func totalNotional(positions []trader.Position) float64 {
	var total float64
	for _, pos := range positions {
		total += pos.NotionalUSD()
	}
	return total
}

func positionFor(positions []trader.Position, symbol, side string) *trader.Position {
	for i := range positions {
		if positions[i].Symbol == symbol && positions[i].Side == side {
			return &positions[i]
		}
	}
	return nil
}

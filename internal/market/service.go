// Package market orchestrates the ledger, pricing engine, subsidy balancer,
// settlement distributor, and lifecycle machine behind an HTTP API.
//
// All state mutations execute as whole, serialized, atomic units under one
// mutex: one operation completes fully, including pool updates and external
// transfers, before the next begins. Each book additionally carries an
// operation-in-progress guard so a collaborator callback re-entering the
// engine is rejected rather than allowed to observe half-updated pools.
//
// All monetary values use shopspring/decimal — never float64 for money.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tandemx/market-engine/internal/balancer"
	"github.com/tandemx/market-engine/internal/contest"
	"github.com/tandemx/market-engine/internal/curve"
	"github.com/tandemx/market-engine/internal/eligibility"
	"github.com/tandemx/market-engine/internal/ledger"
	"github.com/tandemx/market-engine/internal/lifecycle"
	"github.com/tandemx/market-engine/internal/limits"
	"github.com/tandemx/market-engine/internal/metrics"
	"github.com/tandemx/market-engine/internal/model"
	"github.com/tandemx/market-engine/internal/settle"
	"github.com/tandemx/market-engine/internal/store"
	"github.com/tandemx/market-engine/internal/token"
)

// runtime is the in-memory aggregate for one market: snapshot metadata, the
// ledger book, the lifecycle machine, and the eligibility gate.
type runtime struct {
	state   *model.MarketState
	book    *ledger.Book
	machine *lifecycle.Machine
	gate    *eligibility.Gate
}

// Service hosts many independent markets. One mutex serializes all
// mutations (single-instance; for horizontal scaling, replace with
// distributed locking).
type Service struct {
	store   store.Store
	settler token.Settler
	units   token.UnitRegistry
	limiter *limits.DepositLimiter
	wsHub   *WSHub // optional, nil disables broadcasting

	mu      sync.Mutex
	markets map[string]*runtime
	clock   func() time.Time
}

// NewService creates a market service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, settler token.Settler, units token.UnitRegistry, limiter *limits.DepositLimiter, hub *WSHub) *Service {
	return &Service{
		store:   st,
		settler: settler,
		units:   units,
		limiter: limiter,
		wsHub:   hub,
		markets: make(map[string]*runtime),
		clock:   time.Now,
	}
}

// WithClock overrides the service clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// now reads the clock through the field, so machines built before a
// WithClock call still see the override.
func (s *Service) now() time.Time { return s.clock() }

// Load rebuilds the in-memory runtimes from persisted snapshots. Call once
// at startup, before serving.
func (s *Service) Load(ctx context.Context) error {
	states, err := s.store.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	active := 0
	for i := range states {
		st := &states[i]
		rt, err := buildRuntime(st)
		if err != nil {
			return fmt.Errorf("restore market %s: %w", st.ID, err)
		}
		rt.machine.WithClock(s.now)
		s.markets[st.ID] = rt
		if !st.Phase.Terminal() {
			active++
		}
	}
	metrics.ActiveMarkets.Set(float64(active))
	slog.Info("markets loaded", "count", len(states), "active", active)
	return nil
}

func ledgerConfig(p model.MarketParams) ledger.Config {
	return ledger.Config{
		FeeBps:       p.FeeBps,
		BonusBps:     p.BonusBps,
		Balancer:     balancer.Config{TargetBps: p.TargetBps, CapBps: p.CapBps},
		EntryDeposit: p.EntryDeposit,
	}
}

func buildRuntime(st *model.MarketState) (*runtime, error) {
	cv, err := curve.New(st.Params.Floor, st.Params.Coeff, st.Params.CurveScale)
	if err != nil {
		return nil, err
	}
	book, err := ledger.Restore(ledgerConfig(st.Params), cv, st)
	if err != nil {
		return nil, err
	}
	var root common.Hash
	if st.Params.EligibilityRoot != "" {
		root = common.HexToHash(st.Params.EligibilityRoot)
	}
	return &runtime{
		state:   st,
		book:    book,
		machine: lifecycle.Restore(st.Authority, st.Expiry, st.Phase),
		gate:    eligibility.NewGate(root),
	}, nil
}

func (s *Service) market(id string) (*runtime, error) {
	rt, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, id)
	}
	return rt, nil
}

// persist writes the market snapshot back to the store. The in-memory book
// is authoritative between operations; a failed save is logged and healed
// by the next successful one.
func (s *Service) persist(ctx context.Context, rt *runtime) {
	rt.state.Phase = rt.machine.Phase()
	rt.state.Pools = rt.book.Pools
	rt.state.Entries = rt.book.Entries
	rt.state.Positions = rt.book.Positions
	rt.state.Settlement = rt.book.Settlement

	if err := s.store.SaveMarket(ctx, rt.state); err != nil {
		slog.Error("snapshot save failed", "market", rt.state.ID, "err", err)
	}
	s.exportPools(rt)
}

func (s *Service) exportPools(rt *runtime) {
	p := rt.book.Pools
	id := rt.state.ID
	metrics.PoolBalance.WithLabelValues(id, "primary_collateral").Set(p.PrimaryCollateral.InexactFloat64())
	metrics.PoolBalance.WithLabelValues(id, "primary_subsidy").Set(p.PrimarySubsidy.InexactFloat64())
	metrics.PoolBalance.WithLabelValues(id, "secondary_collateral").Set(p.SecondaryCollateral.InexactFloat64())
	metrics.PoolBalance.WithLabelValues(id, "secondary_subsidy").Set(p.SecondarySubsidy.InexactFloat64())
	metrics.PoolBalance.WithLabelValues(id, "protocol_fees").Set(p.ProtocolFees.InexactFloat64())
	metrics.PoolBalance.WithLabelValues(id, "outstanding_bonus").Set(p.OutstandingBonus.InexactFloat64())
}

func (s *Service) journal(ctx context.Context, rt *runtime, entryID, participant, op string, units int64, amount, fee, bonus, subsidy decimal.Decimal) {
	e := &model.JournalEntry{
		ID:          uuid.New().String(),
		MarketID:    rt.state.ID,
		EntryID:     entryID,
		Participant: participant,
		Op:          op,
		Units:       units,
		Amount:      amount,
		Fee:         fee,
		Bonus:       bonus,
		Subsidy:     subsidy,
		Timestamp:   s.clock().UTC(),
	}
	if err := s.store.InsertJournalEntry(ctx, e); err != nil {
		slog.Error("journal append failed", "market", rt.state.ID, "op", op, "err", err)
	}
}

// conserve verifies pool totals against custody after a mutation. A breach
// here is a programming error, not a caller error.
func (s *Service) conserve(rt *runtime) {
	// Custody is shared across markets; sum every book.
	held := decimal.Zero
	for _, m := range s.markets {
		held = held.Add(m.book.Pools.Total())
	}
	if !held.Equal(s.settler.Balance()) {
		slog.Error("fund conservation breach",
			"pools_total", held.String(),
			"custody", s.settler.Balance().String(),
		)
	}
}

// --- Market creation ---

// CreateMarketParams is everything needed to create a market.
type CreateMarketParams struct {
	Ticker    string
	Authority string
	Params    model.MarketParams
}

// CreateMarket validates the ticker and parameters and registers a new
// market in the Open phase. The expiry from the ticker is bound immutably.
func (s *Service) CreateMarket(ctx context.Context, p CreateMarketParams) (*model.MarketState, error) {
	desc, err := contest.ParseTicker(p.Ticker)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidAmount, err)
	}
	if p.Authority == "" {
		return nil, fmt.Errorf("%w: authority required", model.ErrUnauthorized)
	}
	cv, err := curve.New(p.Params.Floor, p.Params.Coeff, p.Params.CurveScale)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidAmount, err)
	}

	st := &model.MarketState{
		ID:        uuid.New().String(),
		Ticker:    desc.Ticker,
		Slug:      desc.Slug,
		Authority: p.Authority,
		Phase:     model.PhaseOpen,
		Expiry:    desc.Expiry,
		Params:    p.Params,
		Entries:   make(map[string]*model.MarketEntry),
		Positions: make(map[string]*model.ParticipantPosition),
		CreatedAt: s.clock().UTC(),
	}

	book, err := ledger.NewBook(ledgerConfig(p.Params), cv)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.CreateMarket(ctx, st); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidAmount, err)
	}

	var root common.Hash
	if p.Params.EligibilityRoot != "" {
		root = common.HexToHash(p.Params.EligibilityRoot)
	}
	machine := lifecycle.New(p.Authority, desc.Expiry)
	machine.WithClock(s.now)
	s.markets[st.ID] = &runtime{
		state:   st,
		book:    book,
		machine: machine,
		gate:    eligibility.NewGate(root),
	}
	metrics.ActiveMarkets.Inc()

	slog.Info("market created",
		"id", st.ID,
		"ticker", st.Ticker,
		"authority", st.Authority,
		"expiry", st.Expiry,
	)
	return st, nil
}

// --- Primary side ---

// RegisterEntry registers a primary competition slot for owner, pulling the
// fixed deposit.
func (s *Service) RegisterEntry(ctx context.Context, marketID, entryID, owner string, proof []common.Hash) (ledger.EntryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, err := s.market(marketID)
	if err != nil {
		return ledger.EntryResult{}, err
	}
	if err := rt.book.Enter(); err != nil {
		return ledger.EntryResult{}, err
	}
	defer rt.book.Exit()

	if err := rt.machine.CanRegister(); err != nil {
		return ledger.EntryResult{}, err
	}
	if err := contest.ValidateEntryID(entryID); err != nil {
		return ledger.EntryResult{}, fmt.Errorf("%w: %v", model.ErrInvalidAmount, err)
	}
	if err := rt.gate.Verify(owner, proof); err != nil {
		return ledger.EntryResult{}, err
	}
	if _, ok := rt.book.Entries[entryID]; ok {
		return ledger.EntryResult{}, fmt.Errorf("%w: entry %s already registered", model.ErrInvalidAmount, entryID)
	}

	deposit := rt.book.Config().EntryDeposit
	if err := s.settler.TransferFrom(owner, deposit); err != nil {
		return ledger.EntryResult{}, fmt.Errorf("%w: %v", model.ErrInvalidAmount, err)
	}

	res, err := rt.book.AddEntry(entryID, owner)
	if err != nil {
		// Unwind the pull; the book was not touched.
		if terr := s.settler.Transfer(owner, deposit); terr != nil {
			slog.Error("deposit unwind failed", "owner", owner, "err", terr)
		}
		return ledger.EntryResult{}, err
	}

	s.journal(ctx, rt, entryID, owner, model.OpRegister, 0, res.Gross, res.Fee, decimal.Zero, res.Subsidy)
	s.persist(ctx, rt)
	s.conserve(rt)
	s.broadcast(rt, entryID, "entry_registered")

	slog.Info("entry registered",
		"market", marketID,
		"entry", entryID,
		"owner", owner,
		"deposit", res.Gross.String(),
		"subsidy", res.Subsidy.String(),
	)
	return res, nil
}

// WithdrawEntry withdraws a primary slot and refunds the fixed deposit.
// The entry's accrued bonus is forfeited to the remaining pool.
func (s *Service) WithdrawEntry(ctx context.Context, marketID, entryID, caller string) (ledger.EntryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, err := s.market(marketID)
	if err != nil {
		return ledger.EntryResult{}, err
	}
	if err := rt.book.Enter(); err != nil {
		return ledger.EntryResult{}, err
	}
	defer rt.book.Exit()

	if err := rt.machine.CanWithdraw(); err != nil {
		return ledger.EntryResult{}, err
	}

	res, err := rt.book.RemoveEntry(entryID, caller)
	if err != nil {
		return ledger.EntryResult{}, err
	}
	if err := s.settler.Transfer(caller, res.Gross); err != nil {
		// Conservation guarantees custody covers the refund; reaching this
		// is an internal inconsistency, not a caller error.
		return ledger.EntryResult{}, fmt.Errorf("%w: refund transfer: %v", model.ErrInvariantBreach, err)
	}

	s.journal(ctx, rt, entryID, caller, model.OpWithdrawEntry, 0, res.Gross.Neg(), res.Fee.Neg(), decimal.Zero, res.Subsidy.Neg())
	s.persist(ctx, rt)
	s.conserve(rt)
	s.broadcast(rt, entryID, "entry_withdrawn")

	slog.Info("entry withdrawn", "market", marketID, "entry", entryID, "refund", res.Gross.String())
	return res, nil
}

// --- Secondary side ---

// Deposit applies a secondary-side payment to an entry, minting units.
func (s *Service) Deposit(ctx context.Context, marketID, entryID, participant string, amount decimal.Decimal, proof []common.Hash) (ledger.DepositResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, err := s.market(marketID)
	if err != nil {
		return ledger.DepositResult{}, err
	}
	if err := rt.book.Enter(); err != nil {
		return ledger.DepositResult{}, err
	}
	defer rt.book.Exit()

	if err := rt.machine.CanDeposit(); err != nil {
		return ledger.DepositResult{}, err
	}
	if err := rt.gate.Verify(participant, proof); err != nil {
		return ledger.DepositResult{}, err
	}
	if amount.Sign() <= 0 {
		return ledger.DepositResult{}, fmt.Errorf("%w: deposit must be positive", model.ErrInvalidAmount)
	}

	if s.limiter != nil {
		existing := make(map[string]decimal.Decimal)
		for _, pos := range rt.book.Positions {
			if pos.Participant == participant {
				existing[pos.EntryID] = pos.Deposited
			}
		}
		if err := s.limiter.CheckDeposit(entryID, amount, existing); err != nil {
			metrics.LimitRejections.Inc()
			return ledger.DepositResult{}, fmt.Errorf("%w: %v", model.ErrInvalidAmount, err)
		}
	}

	if err := s.settler.TransferFrom(participant, amount); err != nil {
		return ledger.DepositResult{}, fmt.Errorf("%w: %v", model.ErrInvalidAmount, err)
	}

	res, err := rt.book.Deposit(participant, entryID, amount)
	if err != nil {
		if terr := s.settler.Transfer(participant, amount); terr != nil {
			slog.Error("deposit unwind failed", "participant", participant, "err", terr)
		}
		return ledger.DepositResult{}, err
	}

	if err := s.units.Mint(entryID, participant, res.Units); err != nil {
		// The book committed but the registry did not: back out the exact
		// routing and refund so the rejection leaves no partial state.
		rt.book.RevertDeposit(participant, entryID, res)
		if terr := s.settler.Transfer(participant, amount); terr != nil {
			slog.Error("deposit unwind failed", "participant", participant, "err", terr)
		}
		return ledger.DepositResult{}, fmt.Errorf("%w: mint: %v", model.ErrInvariantBreach, err)
	}

	s.journal(ctx, rt, entryID, participant, model.OpDeposit, res.Units, amount, res.Fee, res.Bonus, res.Subsidy)
	s.persist(ctx, rt)
	s.conserve(rt)
	metrics.UnitsIssued.WithLabelValues(marketID).Add(float64(res.Units))
	s.broadcast(rt, entryID, "deposit")

	slog.Info("deposit executed",
		"market", marketID,
		"entry", entryID,
		"participant", participant,
		"amount", amount.String(),
		"units", res.Units,
		"price", res.UnitPrice.String(),
	)
	return res, nil
}

// Withdraw burns units and refunds the proportional share of the
// participant's deposit.
func (s *Service) Withdraw(ctx context.Context, marketID, entryID, participant string, burn int64) (ledger.WithdrawResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, err := s.market(marketID)
	if err != nil {
		return ledger.WithdrawResult{}, err
	}
	if err := rt.book.Enter(); err != nil {
		return ledger.WithdrawResult{}, err
	}
	defer rt.book.Exit()

	if err := rt.machine.CanWithdraw(); err != nil {
		return ledger.WithdrawResult{}, err
	}

	held := s.units.BalanceOf(entryID, participant)
	res, err := rt.book.Withdraw(participant, entryID, burn, held)
	if err != nil {
		return ledger.WithdrawResult{}, err
	}
	if err := s.units.Burn(entryID, participant, burn); err != nil {
		return ledger.WithdrawResult{}, fmt.Errorf("%w: burn: %v", model.ErrInvariantBreach, err)
	}
	if err := s.settler.Transfer(participant, res.Refund); err != nil {
		return ledger.WithdrawResult{}, fmt.Errorf("%w: refund transfer: %v", model.ErrInvariantBreach, err)
	}

	s.journal(ctx, rt, entryID, participant, model.OpWithdraw, -burn, res.Refund.Neg(), res.Fee.Neg(), res.Bonus.Neg(), res.Subsidy.Neg())
	s.persist(ctx, rt)
	s.conserve(rt)
	s.broadcast(rt, entryID, "withdraw")

	slog.Info("withdrawal executed",
		"market", marketID,
		"entry", entryID,
		"participant", participant,
		"burned", burn,
		"refund", res.Refund.String(),
	)
	return res, nil
}

// --- Lifecycle ---

// Transition actions accepted by Transition.
const (
	ActionStart  = "start"
	ActionLock   = "lock"
	ActionSettle = "settle"
	ActionCancel = "cancel"
	ActionClose  = "close"
)

// Transition drives a lifecycle transition. Settle additionally takes the
// winning weights; Close sweeps remaining funds to the outcome authority.
func (s *Service) Transition(ctx context.Context, marketID, caller, action string, winners []model.Winner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, err := s.market(marketID)
	if err != nil {
		return err
	}
	if err := rt.book.Enter(); err != nil {
		return err
	}
	defer rt.book.Exit()

	switch action {
	case ActionStart:
		live := 0
		for _, e := range rt.book.Entries {
			if !e.Withdrawn() {
				live++
			}
		}
		if err := rt.machine.Start(caller, live); err != nil {
			return err
		}

	case ActionLock:
		if err := rt.machine.Lock(caller); err != nil {
			return err
		}

	case ActionSettle:
		if err := rt.machine.CanSettle(caller); err != nil {
			return err
		}
		if _, err := settle.Settle(rt.book, winners, s.clock().UTC()); err != nil {
			return err
		}
		if err := rt.machine.Settle(caller); err != nil {
			return err
		}
		metrics.ActiveMarkets.Dec()

	case ActionCancel:
		if err := rt.machine.Cancel(caller); err != nil {
			return err
		}

	case ActionClose:
		if err := rt.machine.Close(); err != nil {
			return err
		}
		// Force-sweep whatever the market still holds to the authority.
		remaining := rt.book.Pools.Total()
		if remaining.Sign() > 0 {
			if err := s.settler.Transfer(rt.state.Authority, remaining); err != nil {
				return fmt.Errorf("%w: sweep transfer: %v", model.ErrInvariantBreach, err)
			}
			rt.book.Pools = model.PoolState{}
			s.journal(ctx, rt, "", rt.state.Authority, model.OpSweep, 0, remaining.Neg(), decimal.Zero, decimal.Zero, decimal.Zero)
		}
		metrics.ActiveMarkets.Dec()

	default:
		return fmt.Errorf("%w: unknown action %q", model.ErrInvalidAmount, action)
	}

	s.journal(ctx, rt, "", caller, model.OpTransition, 0, decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero)
	s.persist(ctx, rt)
	s.conserve(rt)
	s.broadcast(rt, "", "phase_"+string(rt.machine.Phase()))

	slog.Info("lifecycle transition", "market", marketID, "action", action, "phase", rt.machine.Phase())
	return nil
}

// --- Claims ---

// ClaimPrimary pays an entry owner their settlement figure plus accrued
// bonus.
func (s *Service) ClaimPrimary(ctx context.Context, marketID, entryID, caller string) (settle.PrimaryClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, err := s.market(marketID)
	if err != nil {
		return settle.PrimaryClaim{}, err
	}
	if err := rt.book.Enter(); err != nil {
		return settle.PrimaryClaim{}, err
	}
	defer rt.book.Exit()

	if err := rt.machine.CanClaim(); err != nil {
		return settle.PrimaryClaim{}, err
	}

	claim, err := settle.ClaimPrimary(rt.book, entryID, caller)
	if err != nil {
		return settle.PrimaryClaim{}, err
	}
	total := claim.Payout.Add(claim.Bonus)
	if total.Sign() > 0 {
		if err := s.settler.Transfer(caller, total); err != nil {
			return settle.PrimaryClaim{}, fmt.Errorf("%w: payout transfer: %v", model.ErrInvariantBreach, err)
		}
	}

	s.journal(ctx, rt, entryID, caller, model.OpClaimPrimary, 0, total.Neg(), decimal.Zero, claim.Bonus.Neg(), decimal.Zero)
	s.persist(ctx, rt)
	s.conserve(rt)

	slog.Info("primary claim", "market", marketID, "entry", entryID, "payout", claim.Payout.String(), "bonus", claim.Bonus.String())
	return claim, nil
}

// ClaimSecondary redeems units after settlement. Units on non-winning
// entries burn for zero.
func (s *Service) ClaimSecondary(ctx context.Context, marketID, entryID, participant string, burn int64) (settle.SecondaryClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, err := s.market(marketID)
	if err != nil {
		return settle.SecondaryClaim{}, err
	}
	if err := rt.book.Enter(); err != nil {
		return settle.SecondaryClaim{}, err
	}
	defer rt.book.Exit()

	if err := rt.machine.CanClaim(); err != nil {
		return settle.SecondaryClaim{}, err
	}

	held := s.units.BalanceOf(entryID, participant)
	claim, err := settle.ClaimSecondary(rt.book, entryID, burn, held)
	if err != nil {
		return settle.SecondaryClaim{}, err
	}
	if err := s.units.Burn(entryID, participant, burn); err != nil {
		return settle.SecondaryClaim{}, fmt.Errorf("%w: burn: %v", model.ErrInvariantBreach, err)
	}
	if claim.Payout.Sign() > 0 {
		if err := s.settler.Transfer(participant, claim.Payout); err != nil {
			return settle.SecondaryClaim{}, fmt.Errorf("%w: payout transfer: %v", model.ErrInvariantBreach, err)
		}
	}

	s.journal(ctx, rt, entryID, participant, model.OpClaimSecondary, -burn, claim.Payout.Neg(), decimal.Zero, decimal.Zero, decimal.Zero)
	s.persist(ctx, rt)
	s.conserve(rt)

	slog.Info("secondary claim",
		"market", marketID,
		"entry", entryID,
		"participant", participant,
		"burned", burn,
		"payout", claim.Payout.String(),
		"swept", claim.Swept,
	)
	return claim, nil
}

// --- Queries ---

// Market returns a deep-copied market snapshot. Callers encode it outside
// the service mutex, so it must not share maps with the live book.
func (s *Service) Market(marketID string) (*model.MarketState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, err := s.market(marketID)
	if err != nil {
		return nil, err
	}
	return s.snapshot(rt), nil
}

// Markets returns deep-copied snapshots of all markets.
func (s *Service) Markets() []model.MarketState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.MarketState, 0, len(s.markets))
	for _, rt := range s.markets {
		out = append(out, *s.snapshot(rt))
	}
	return out
}

func (s *Service) snapshot(rt *runtime) *model.MarketState {
	rt.state.Phase = rt.machine.Phase()
	rt.state.Pools = rt.book.Pools
	rt.state.Entries = rt.book.Entries
	rt.state.Positions = rt.book.Positions
	rt.state.Settlement = rt.book.Settlement
	return rt.state.Clone()
}

// SpotPrice returns the current unit price for an entry.
func (s *Service) SpotPrice(marketID, entryID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, err := s.market(marketID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return rt.book.SpotPrice(entryID)
}

// PositionView is a participant's position on one entry with live unit
// balance.
type PositionView struct {
	MarketID  string          `json:"market_id"`
	EntryID   string          `json:"entry_id"`
	Deposited decimal.Decimal `json:"deposited"`
	Subsidy   decimal.Decimal `json:"subsidy"`
	Units     int64           `json:"units"`
}

// Positions returns a participant's positions across all markets.
func (s *Service) Positions(participant string) []PositionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []PositionView
	for _, rt := range s.markets {
		for _, pos := range rt.book.Positions {
			if pos.Participant != participant {
				continue
			}
			out = append(out, PositionView{
				MarketID:  rt.state.ID,
				EntryID:   pos.EntryID,
				Deposited: pos.Deposited,
				Subsidy:   pos.Subsidy,
				Units:     s.units.BalanceOf(pos.EntryID, participant),
			})
		}
	}
	return out
}

// JournalByMarket returns the immutable operation journal for one market.
func (s *Service) JournalByMarket(ctx context.Context, marketID string) ([]model.JournalEntry, error) {
	s.mu.Lock()
	_, err := s.market(marketID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.store.JournalByMarket(ctx, marketID)
}

// JournalByParticipant returns a participant's journal across all markets.
func (s *Service) JournalByParticipant(ctx context.Context, participant string) ([]model.JournalEntry, error) {
	return s.store.JournalByParticipant(ctx, participant)
}

func (s *Service) broadcast(rt *runtime, entryID, event string) {
	if s.wsHub == nil {
		return
	}
	msg := WSMessage{
		Type:     event,
		MarketID: rt.state.ID,
		Ticker:   rt.state.Ticker,
		EntryID:  entryID,
		Phase:    string(rt.machine.Phase()),
	}
	if entryID != "" {
		if price, err := rt.book.SpotPrice(entryID); err == nil {
			msg.Price = price.String()
		}
	}
	s.wsHub.Broadcast(msg)
}

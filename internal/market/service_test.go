package market_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tandemx/market-engine/internal/ledger"
	"github.com/tandemx/market-engine/internal/market"
	"github.com/tandemx/market-engine/internal/model"
	"github.com/tandemx/market-engine/internal/store"
	"github.com/tandemx/market-engine/internal/token"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// Fixed clock well before the test ticker's expiry.
var testNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

const testTicker = "TDM-meme-battle-s3-20260901"

type testEnv struct {
	svc    *market.Service
	store  *store.MemoryStore
	vault  *token.Vault
	units  *token.MemoryRegistry
	router chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	vault := token.NewVault()
	units := token.NewMemoryRegistry()
	svc := market.NewService(ms, vault, units, nil, nil)
	svc.WithClock(func() time.Time { return testNow })

	r := chi.NewRouter()
	market.NewHandler(svc, nil).Routes(r)

	return &testEnv{svc: svc, store: ms, vault: vault, units: units, router: r}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

// createMarket provisions a market over HTTP with the standard test params:
// 20% fee, 20% bonus, 50/50 target with no cap, entry deposit 100, flat
// price-1 curve.
func (env *testEnv) createMarket(t *testing.T) string {
	t.Helper()
	w := env.do(t, "POST", "/api/v1/markets", map[string]any{
		"ticker":        testTicker,
		"authority":     "oracle",
		"fee_bps":       2000,
		"bonus_bps":     2000,
		"target_bps":    5000,
		"cap_bps":       10000,
		"entry_deposit": "100",
		"floor":         "1",
		"coeff":         "0",
		"curve_scale":   1,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create market: %d: %s", w.Code, w.Body.String())
	}
	var st model.MarketState
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode market: %v", err)
	}
	return st.ID
}

func (env *testEnv) register(t *testing.T, marketID, entryID, owner string) {
	t.Helper()
	w := env.do(t, "POST", "/api/v1/markets/"+marketID+"/entries", map[string]any{
		"entry_id": entryID,
		"owner":    owner,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: %d: %s", entryID, w.Code, w.Body.String())
	}
}

func (env *testEnv) deposit(t *testing.T, marketID, entryID, participant string, amount float64) ledger.DepositResult {
	t.Helper()
	w := env.do(t, "POST", "/api/v1/markets/"+marketID+"/deposit", map[string]any{
		"entry_id":    entryID,
		"participant": participant,
		"amount":      decimal.NewFromFloat(amount),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: %d: %s", w.Code, w.Body.String())
	}
	var res ledger.DepositResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode deposit: %v", err)
	}
	return res
}

func (env *testEnv) transition(t *testing.T, marketID, caller, action string, winners []model.Winner) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(t, "POST", "/api/v1/markets/"+marketID+"/lifecycle", map[string]any{
		"caller":  caller,
		"action":  action,
		"winners": winners,
	})
}

// --- Market creation ---

func TestCreateMarket(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t)

	w := env.do(t, "GET", "/api/v1/markets/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get market: %d", w.Code)
	}
	var st model.MarketState
	json.Unmarshal(w.Body.Bytes(), &st)
	if st.Phase != model.PhaseOpen {
		t.Errorf("phase = %s, want open", st.Phase)
	}
	if st.Slug != "meme-battle-s3" {
		t.Errorf("slug = %q, want meme-battle-s3", st.Slug)
	}
}

func TestCreateMarket_BadTicker(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/markets", map[string]any{
		"ticker":        "not-a-ticker",
		"authority":     "oracle",
		"target_bps":    5000,
		"entry_deposit": "100",
		"floor":         "1",
		"curve_scale":   1,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad ticker, got %d", w.Code)
	}
}

func TestGetMarket_NotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/markets/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Primary flow ---

func TestRegisterEntry_PullsDeposit(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t)
	env.register(t, id, "doge", "alice")

	if !env.vault.Balance().Equal(d(100)) {
		t.Errorf("custody = %s, want the fixed deposit 100", env.vault.Balance())
	}
	if !env.vault.AccountBalance("alice").Equal(d(-100)) {
		t.Errorf("alice = %s, want -100", env.vault.AccountBalance("alice"))
	}
}

func TestWithdrawEntry_FullRefund(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t)
	env.register(t, id, "doge", "alice")

	w := env.do(t, "POST", "/api/v1/markets/"+id+"/entries/doge/withdraw", map[string]any{
		"caller": "alice",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw entry: %d: %s", w.Code, w.Body.String())
	}
	if !env.vault.Balance().IsZero() {
		t.Errorf("custody = %s, want 0 after full refund", env.vault.Balance())
	}
	if !env.vault.AccountBalance("alice").IsZero() {
		t.Errorf("alice = %s, want made whole at 0", env.vault.AccountBalance("alice"))
	}
}

func TestWithdrawEntry_NotOwner(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t)
	env.register(t, id, "doge", "alice")

	w := env.do(t, "POST", "/api/v1/markets/"+id+"/entries/doge/withdraw", map[string]any{
		"caller": "mallory",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Secondary flow ---

func TestDeposit_MintsUnits(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t)
	env.register(t, id, "doge", "alice")

	res := env.deposit(t, id, "doge", "dana", 100)
	if res.Units != 32 {
		t.Errorf("units = %d, want 32", res.Units)
	}
	if got := env.units.BalanceOf("doge", "dana"); got != 32 {
		t.Errorf("registry balance = %d, want 32", got)
	}
	if !env.vault.Balance().Equal(d(200)) {
		t.Errorf("custody = %s, want 200", env.vault.Balance())
	}

	// Position view reflects the live unit balance.
	w := env.do(t, "GET", "/api/v1/positions/dana", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("positions: %d", w.Code)
	}
	var views []market.PositionView
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 1 || views[0].Units != 32 {
		t.Errorf("position views = %+v, want one with 32 units", views)
	}
}

func TestWithdraw_BurnsAndRefunds(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t)
	env.register(t, id, "doge", "alice")
	res := env.deposit(t, id, "doge", "dana", 100)

	w := env.do(t, "POST", "/api/v1/markets/"+id+"/withdraw", map[string]any{
		"entry_id":    "doge",
		"participant": "dana",
		"units":       res.Units,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw: %d: %s", w.Code, w.Body.String())
	}
	if got := env.units.BalanceOf("doge", "dana"); got != 0 {
		t.Errorf("registry balance = %d, want 0", got)
	}
	// Full unwind makes the depositor whole.
	if !env.vault.AccountBalance("dana").IsZero() {
		t.Errorf("dana = %s, want 0 after full unwind", env.vault.AccountBalance("dana"))
	}
}

func TestDeposit_RejectedAfterLock(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t)
	env.register(t, id, "doge", "alice")

	for _, action := range []string{"start", "lock"} {
		if w := env.transition(t, id, "oracle", action, nil); w.Code != http.StatusOK {
			t.Fatalf("%s: %d: %s", action, w.Code, w.Body.String())
		}
	}
	w := env.do(t, "POST", "/api/v1/markets/"+id+"/deposit", map[string]any{
		"entry_id":    "doge",
		"participant": "dana",
		"amount":      d(100),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 after lock, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMarket_SnapshotDetachedFromLiveBook(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t)
	env.register(t, id, "doge", "alice")
	first := env.deposit(t, id, "doge", "dana", 100)

	snap, err := env.svc.Market(id)
	if err != nil {
		t.Fatalf("market: %v", err)
	}

	// Mutations after the snapshot was taken must not show through it.
	env.deposit(t, id, "doge", "frank", 100)
	if snap.Entries["doge"].Units != first.Units {
		t.Errorf("snapshot units = %d, want frozen at %d", snap.Entries["doge"].Units, first.Units)
	}
	if len(snap.Positions) != 1 {
		t.Errorf("snapshot positions = %d, want the 1 present when taken", len(snap.Positions))
	}

	// Nor the other way: scribbling on the snapshot leaves the book alone.
	snap.Entries["doge"].Units = 0
	delete(snap.Positions, model.PositionKey("dana", "doge"))
	live, err := env.svc.Market(id)
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	if live.Entries["doge"].Units <= first.Units {
		t.Errorf("live units = %d, want more than %d after the second deposit", live.Entries["doge"].Units, first.Units)
	}
	if len(live.Positions) != 2 {
		t.Errorf("live positions = %d, want 2", len(live.Positions))
	}
}

// mintFailRegistry fails every mint while tripped, standing in for an
// unreachable on-chain registry adapter.
type mintFailRegistry struct {
	*token.MemoryRegistry
	tripped bool
}

func (r *mintFailRegistry) Mint(entryID, holder string, units int64) error {
	if r.tripped {
		return errors.New("registry unavailable")
	}
	return r.MemoryRegistry.Mint(entryID, holder, units)
}

func TestDeposit_MintFailureLeavesNoPartialState(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	vault := token.NewVault()
	reg := &mintFailRegistry{MemoryRegistry: token.NewMemoryRegistry()}
	svc := market.NewService(ms, vault, reg, nil, nil)
	svc.WithClock(func() time.Time { return testNow })

	st, err := svc.CreateMarket(ctx, market.CreateMarketParams{
		Ticker:    testTicker,
		Authority: "oracle",
		Params: model.MarketParams{
			FeeBps: 2000, BonusBps: 2000, TargetBps: 5000, CapBps: 10000,
			EntryDeposit: d(100), Floor: d(1), Coeff: d(0), CurveScale: 1,
		},
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	if _, err := svc.RegisterEntry(ctx, st.ID, "doge", "alice", nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	reg.tripped = true
	if _, err := svc.Deposit(ctx, st.ID, "doge", "dana", d(100), nil); !errors.Is(err, model.ErrInvariantBreach) {
		t.Fatalf("expected invariant breach on mint failure, got %v", err)
	}

	// The payment came back and the book shows no trace of the attempt.
	if !vault.AccountBalance("dana").IsZero() {
		t.Errorf("dana = %s, want refunded to 0", vault.AccountBalance("dana"))
	}
	if !vault.Balance().Equal(d(100)) {
		t.Errorf("custody = %s, want only the entry deposit 100", vault.Balance())
	}
	snap, err := svc.Market(st.ID)
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	if snap.Entries["doge"].Units != 0 {
		t.Errorf("entry units = %d, want 0", snap.Entries["doge"].Units)
	}
	if len(snap.Positions) != 0 {
		t.Errorf("positions = %d, want none", len(snap.Positions))
	}
	if !snap.Pools.Total().Equal(d(100)) {
		t.Errorf("pools total = %s, want 100", snap.Pools.Total())
	}

	// Once the registry recovers, the same deposit goes through.
	reg.tripped = false
	res, err := svc.Deposit(ctx, st.ID, "doge", "dana", d(100), nil)
	if err != nil {
		t.Fatalf("deposit after recovery: %v", err)
	}
	if res.Units != 32 {
		t.Errorf("units = %d, want 32", res.Units)
	}
}

// --- Lifecycle over HTTP ---

func TestTransition_RequiresAuthority(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t)
	env.register(t, id, "doge", "alice")

	if w := env.transition(t, id, "mallory", "start", nil); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for stranger, got %d", w.Code)
	}
}

func TestTransition_SettleWithBadWeightsKeepsPhase(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t)
	env.register(t, id, "doge", "alice")
	if w := env.transition(t, id, "oracle", "start", nil); w.Code != http.StatusOK {
		t.Fatalf("start: %d", w.Code)
	}

	w := env.transition(t, id, "oracle", "settle", []model.Winner{
		{EntryID: "doge", WeightBps: 9000},
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected invariant failure for short weights, got %d", w.Code)
	}

	// The phase must not have committed.
	st, err := env.svc.Market(id)
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	if st.Phase != model.PhaseActive {
		t.Errorf("phase = %s, want still active", st.Phase)
	}
}

func TestCancel_EveryoneExitsWhole(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t)
	env.register(t, id, "doge", "alice")
	res := env.deposit(t, id, "doge", "dana", 100)

	if w := env.transition(t, id, "oracle", "cancel", nil); w.Code != http.StatusOK {
		t.Fatalf("cancel: %d: %s", w.Code, w.Body.String())
	}

	// Cancelled stays withdrawable: both sides exit in full.
	w := env.do(t, "POST", "/api/v1/markets/"+id+"/withdraw", map[string]any{
		"entry_id":    "doge",
		"participant": "dana",
		"units":       res.Units,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("unit withdraw after cancel: %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "POST", "/api/v1/markets/"+id+"/entries/doge/withdraw", map[string]any{
		"caller": "alice",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("entry withdraw after cancel: %d: %s", w.Code, w.Body.String())
	}

	if !env.vault.Balance().IsZero() {
		t.Errorf("custody = %s, want 0 after everyone exits", env.vault.Balance())
	}
	if !env.vault.AccountBalance("alice").IsZero() || !env.vault.AccountBalance("dana").IsZero() {
		t.Error("participants should be made whole on cancellation")
	}
}

// --- Settlement end to end ---

func TestSettleAndClaims(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t)
	env.register(t, id, "doge", "alice")
	env.register(t, id, "pepe", "bob")
	danaRes := env.deposit(t, id, "doge", "dana", 100)
	erinRes := env.deposit(t, id, "pepe", "erin", 100)

	for _, action := range []string{"start", "lock"} {
		if w := env.transition(t, id, "oracle", action, nil); w.Code != http.StatusOK {
			t.Fatalf("%s: %d: %s", action, w.Code, w.Body.String())
		}
	}
	w := env.transition(t, id, "oracle", "settle", []model.Winner{
		{EntryID: "doge", WeightBps: 6000},
		{EntryID: "pepe", WeightBps: 4000},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("settle: %d: %s", w.Code, w.Body.String())
	}

	// Primary claims: both owners collect, in proportion to their weights.
	w = env.do(t, "POST", "/api/v1/markets/"+id+"/claims/primary", map[string]any{
		"entry_id": "doge", "caller": "alice",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("alice claim: %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "POST", "/api/v1/markets/"+id+"/claims/primary", map[string]any{
		"entry_id": "pepe", "caller": "bob",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("bob claim: %d: %s", w.Code, w.Body.String())
	}
	aliceTotal := env.vault.AccountBalance("alice")
	bobTotal := env.vault.AccountBalance("bob")
	if aliceTotal.LessThanOrEqual(bobTotal) {
		t.Errorf("60%% winner should out-earn 40%% winner: alice=%s bob=%s", aliceTotal, bobTotal)
	}

	// Secondary: doge is the designated winner, dana takes the pool.
	w = env.do(t, "POST", "/api/v1/markets/"+id+"/claims/secondary", map[string]any{
		"entry_id": "doge", "participant": "dana", "units": danaRes.Units,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("dana claim: %d: %s", w.Code, w.Body.String())
	}
	if env.vault.AccountBalance("dana").Sign() <= 0 {
		t.Errorf("winning holder should end up ahead, got %s", env.vault.AccountBalance("dana"))
	}

	// erin backed the loser: units burn for zero.
	w = env.do(t, "POST", "/api/v1/markets/"+id+"/claims/secondary", map[string]any{
		"entry_id": "pepe", "participant": "erin", "units": erinRes.Units,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("erin claim: %d: %s", w.Code, w.Body.String())
	}
	if !env.vault.AccountBalance("erin").Equal(d(-100)) {
		t.Errorf("losing holder keeps the loss: erin=%s, want -100", env.vault.AccountBalance("erin"))
	}

	// Claims are rejected before anyone double-dips via the withdraw path.
	w = env.do(t, "POST", "/api/v1/markets/"+id+"/withdraw", map[string]any{
		"entry_id": "doge", "participant": "dana", "units": int64(1),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("withdraw after settlement should be 409, got %d", w.Code)
	}
}

// --- Force close ---

func TestClose_SweepsToAuthority(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t)
	env.register(t, id, "doge", "alice")
	env.deposit(t, id, "doge", "dana", 100)

	held := env.vault.Balance()
	if held.Sign() <= 0 {
		t.Fatal("expected funds in custody")
	}

	// Nobody settles; expiry passes and anyone can close.
	env.svc.WithClock(func() time.Time { return testNow.Add(14 * 24 * time.Hour) })
	if w := env.transition(t, id, "someone", "close", nil); w.Code != http.StatusOK {
		t.Fatalf("close: %d: %s", w.Code, w.Body.String())
	}
	if !env.vault.AccountBalance("oracle").Equal(held) {
		t.Errorf("authority received %s, want the full sweep %s", env.vault.AccountBalance("oracle"), held)
	}
	if !env.vault.Balance().IsZero() {
		t.Errorf("custody = %s, want 0 after sweep", env.vault.Balance())
	}
}

func TestClose_BeforeExpiryRejected(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t)
	if w := env.transition(t, id, "someone", "close", nil); w.Code != http.StatusConflict {
		t.Errorf("close before expiry should be 409, got %d", w.Code)
	}
}

// --- Restart ---

func TestLoad_RestoresFromStore(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t)
	env.register(t, id, "doge", "alice")
	res := env.deposit(t, id, "doge", "dana", 100)

	// A fresh service over the same store and collaborators.
	svc := market.NewService(env.store, env.vault, env.units, nil, nil)
	svc.WithClock(func() time.Time { return testNow })
	if err := svc.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	st, err := svc.Market(id)
	if err != nil {
		t.Fatalf("market after load: %v", err)
	}
	if st.Phase != model.PhaseOpen {
		t.Errorf("phase = %s, want open", st.Phase)
	}
	if st.Entries["doge"].Units != res.Units {
		t.Errorf("restored units = %d, want %d", st.Entries["doge"].Units, res.Units)
	}

	// The restored runtime accepts operations.
	if _, err := svc.Withdraw(context.Background(), id, "doge", "dana", res.Units); err != nil {
		t.Fatalf("withdraw after load: %v", err)
	}
}

// --- Journal ---

func TestJournal_RecordsOperations(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t)
	env.register(t, id, "doge", "alice")
	env.deposit(t, id, "doge", "dana", 100)

	w := env.do(t, "GET", "/api/v1/markets/"+id+"/journal", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("journal: %d", w.Code)
	}
	var entries []model.JournalEntry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 2 {
		t.Fatalf("journal entries = %d, want 2", len(entries))
	}
	if entries[0].Op != model.OpRegister || entries[1].Op != model.OpDeposit {
		t.Errorf("ops = %s, %s; want register, deposit", entries[0].Op, entries[1].Op)
	}
}

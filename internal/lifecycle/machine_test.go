package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/tandemx/market-engine/internal/model"
)

var expiry = time.Date(2026, 9, 1, 23, 59, 59, 0, time.UTC)

func before(t time.Time) func() time.Time { return func() time.Time { return t.Add(-time.Hour) } }
func after(t time.Time) func() time.Time  { return func() time.Time { return t.Add(time.Hour) } }

func newActive(t *testing.T) *Machine {
	t.Helper()
	m := New("oracle", expiry)
	if err := m.Start("oracle", 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	return m
}

// --- Happy path ---

func TestFullLifecycle(t *testing.T) {
	m := New("oracle", expiry)
	if m.Phase() != model.PhaseOpen {
		t.Fatalf("new machine phase = %s, want open", m.Phase())
	}
	if err := m.Start("oracle", 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Lock("oracle"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := m.Settle("oracle"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if m.Phase() != model.PhaseSettled {
		t.Errorf("phase = %s, want settled", m.Phase())
	}
	if !m.Phase().Terminal() {
		t.Error("settled should be terminal")
	}
}

func TestSettle_DirectlyFromActive(t *testing.T) {
	m := newActive(t)
	if err := m.Settle("oracle"); err != nil {
		t.Errorf("settle from active should succeed, got %v", err)
	}
}

// --- Authority checks ---

func TestTransitions_RequireAuthority(t *testing.T) {
	m := New("oracle", expiry)
	if err := m.Start("mallory", 1); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("start by stranger should fail, got %v", err)
	}
	m = newActive(t)
	if err := m.Lock("mallory"); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("lock by stranger should fail, got %v", err)
	}
	if err := m.Settle("mallory"); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("settle by stranger should fail, got %v", err)
	}
	if err := m.Cancel("mallory"); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("cancel by stranger should fail, got %v", err)
	}
}

// --- Transition guards ---

func TestStart_RequiresAnEntry(t *testing.T) {
	m := New("oracle", expiry)
	if err := m.Start("oracle", 0); !errors.Is(err, model.ErrPhaseViolation) {
		t.Errorf("start with no entries should fail, got %v", err)
	}
}

func TestLock_OnlyFromActive(t *testing.T) {
	m := New("oracle", expiry)
	if err := m.Lock("oracle"); !errors.Is(err, model.ErrPhaseViolation) {
		t.Errorf("lock from open should fail, got %v", err)
	}
}

func TestSettle_NotFromOpen(t *testing.T) {
	m := New("oracle", expiry)
	if err := m.Settle("oracle"); !errors.Is(err, model.ErrPhaseViolation) {
		t.Errorf("settle from open should fail, got %v", err)
	}
}

func TestCanSettle_DoesNotCommit(t *testing.T) {
	m := newActive(t)
	if err := m.CanSettle("oracle"); err != nil {
		t.Fatalf("can-settle: %v", err)
	}
	if m.Phase() != model.PhaseActive {
		t.Errorf("can-settle must not change phase, got %s", m.Phase())
	}
}

func TestCancel_FromEachPreSettledPhase(t *testing.T) {
	for _, setup := range []func(t *testing.T) *Machine{
		func(t *testing.T) *Machine { return New("oracle", expiry) },
		newActive,
		func(t *testing.T) *Machine {
			m := newActive(t)
			if err := m.Lock("oracle"); err != nil {
				t.Fatalf("lock: %v", err)
			}
			return m
		},
	} {
		m := setup(t)
		if err := m.Cancel("oracle"); err != nil {
			t.Errorf("cancel from %s should succeed, got %v", m.Phase(), err)
		}
	}
}

func TestCancel_NotAfterSettled(t *testing.T) {
	m := newActive(t)
	if err := m.Settle("oracle"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := m.Cancel("oracle"); !errors.Is(err, model.ErrPhaseViolation) {
		t.Errorf("cancel after settled should fail, got %v", err)
	}
}

// --- Operation gates ---

func TestGates_ByPhase(t *testing.T) {
	tests := []struct {
		phase    model.Phase
		register bool
		deposit  bool
		withdraw bool
		claim    bool
	}{
		{model.PhaseOpen, true, true, true, false},
		{model.PhaseActive, false, true, true, false},
		{model.PhaseLocked, false, false, false, false},
		{model.PhaseSettled, false, false, false, true},
		{model.PhaseCancelled, false, false, true, false},
		{model.PhaseClosed, false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			m := Restore("oracle", expiry, tt.phase)
			if got := m.CanRegister() == nil; got != tt.register {
				t.Errorf("CanRegister = %v, want %v", got, tt.register)
			}
			if got := m.CanDeposit() == nil; got != tt.deposit {
				t.Errorf("CanDeposit = %v, want %v", got, tt.deposit)
			}
			if got := m.CanWithdraw() == nil; got != tt.withdraw {
				t.Errorf("CanWithdraw = %v, want %v", got, tt.withdraw)
			}
			if got := m.CanClaim() == nil; got != tt.claim {
				t.Errorf("CanClaim = %v, want %v", got, tt.claim)
			}
		})
	}
}

// --- Force close ---

func TestClose_BeforeExpiry(t *testing.T) {
	m := New("oracle", expiry)
	m.WithClock(before(expiry))
	if err := m.Close(); !errors.Is(err, model.ErrPhaseViolation) {
		t.Errorf("close before expiry should fail, got %v", err)
	}
}

func TestClose_AfterExpiry_AnyCaller(t *testing.T) {
	m := New("oracle", expiry)
	m.WithClock(after(expiry))
	if err := m.Close(); err != nil {
		t.Fatalf("close after expiry: %v", err)
	}
	if m.Phase() != model.PhaseClosed {
		t.Errorf("phase = %s, want closed", m.Phase())
	}
}

func TestClose_NotFromTerminal(t *testing.T) {
	m := newActive(t)
	if err := m.Settle("oracle"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	m.WithClock(after(expiry))
	if err := m.Close(); !errors.Is(err, model.ErrPhaseViolation) {
		t.Errorf("close after settled should fail, got %v", err)
	}
}

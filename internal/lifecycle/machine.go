// Package lifecycle implements the phase machine that decides which ledger
// operations are legal and who may drive transitions.
//
// Phases move monotonically Open → Active → Locked → Settled, with a branch
// to Cancelled from any of the first three and a terminal Closed reachable
// from any non-Settled, non-Closed phase once the expiry deadline passes.
// Only the designated outcome authority drives Active/Locked/Settled/
// Cancelled; Closed is callable by anyone after expiry. The expiry is bound
// at creation and immutable.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/tandemx/market-engine/internal/model"
)

// Machine tracks the current phase of one market.
type Machine struct {
	phase     model.Phase
	authority string
	expiry    time.Time
	clock     func() time.Time
}

// New creates a machine in the Open phase.
func New(authority string, expiry time.Time) *Machine {
	return &Machine{
		phase:     model.PhaseOpen,
		authority: authority,
		expiry:    expiry,
		clock:     time.Now,
	}
}

// Restore creates a machine at a persisted phase.
func Restore(authority string, expiry time.Time, phase model.Phase) *Machine {
	m := New(authority, expiry)
	m.phase = phase
	return m
}

// WithClock overrides the machine clock for deterministic tests.
func (m *Machine) WithClock(clock func() time.Time) {
	if clock != nil {
		m.clock = clock
	}
}

// Phase returns the current phase.
func (m *Machine) Phase() model.Phase { return m.phase }

// Authority returns the outcome authority identity.
func (m *Machine) Authority() string { return m.authority }

// Expiry returns the immutable expiry deadline.
func (m *Machine) Expiry() time.Time { return m.expiry }

func (m *Machine) requireAuthority(caller string) error {
	if caller != m.authority {
		return fmt.Errorf("%w: only the outcome authority may transition", model.ErrUnauthorized)
	}
	return nil
}

func phaseErr(have model.Phase, op string) error {
	return fmt.Errorf("%w: %s in phase %s", model.ErrPhaseViolation, op, have)
}

// --- Operation gates ---

// CanRegister reports whether primary entries may be added.
func (m *Machine) CanRegister() error {
	if m.phase != model.PhaseOpen {
		return phaseErr(m.phase, "register entry")
	}
	return nil
}

// CanDeposit reports whether secondary deposits are accepted.
func (m *Machine) CanDeposit() error {
	if m.phase != model.PhaseOpen && m.phase != model.PhaseActive {
		return phaseErr(m.phase, "deposit")
	}
	return nil
}

// CanWithdraw reports whether entries and positions are withdrawable.
// Cancelled markets stay withdrawable so everyone can exit in full.
func (m *Machine) CanWithdraw() error {
	switch m.phase {
	case model.PhaseOpen, model.PhaseActive, model.PhaseCancelled:
		return nil
	}
	return phaseErr(m.phase, "withdraw")
}

// CanClaim reports whether settlement claims are accepted.
func (m *Machine) CanClaim() error {
	if m.phase != model.PhaseSettled {
		return phaseErr(m.phase, "claim")
	}
	return nil
}

// --- Transitions ---

// Start moves Open → Active. Requires at least one registered entry.
func (m *Machine) Start(caller string, entryCount int) error {
	if err := m.requireAuthority(caller); err != nil {
		return err
	}
	if m.phase != model.PhaseOpen {
		return phaseErr(m.phase, "start")
	}
	if entryCount < 1 {
		return fmt.Errorf("%w: cannot activate with no entries", model.ErrPhaseViolation)
	}
	m.phase = model.PhaseActive
	return nil
}

// Lock moves Active → Locked, freezing both sides ahead of settlement.
func (m *Machine) Lock(caller string) error {
	if err := m.requireAuthority(caller); err != nil {
		return err
	}
	if m.phase != model.PhaseActive {
		return phaseErr(m.phase, "lock")
	}
	m.phase = model.PhaseLocked
	return nil
}

// CanSettle checks the settle gate without committing, so callers can
// validate the settlement record first and only then flip the phase.
func (m *Machine) CanSettle(caller string) error {
	if err := m.requireAuthority(caller); err != nil {
		return err
	}
	if m.phase != model.PhaseActive && m.phase != model.PhaseLocked {
		return phaseErr(m.phase, "settle")
	}
	return nil
}

// Settle moves Active or Locked → Settled. Weight validation is the
// settlement distributor's job; this gate covers phase and identity.
func (m *Machine) Settle(caller string) error {
	if err := m.CanSettle(caller); err != nil {
		return err
	}
	m.phase = model.PhaseSettled
	return nil
}

// Cancel moves Open, Active, or Locked → Cancelled (the refund path).
// Disallowed once Settled.
func (m *Machine) Cancel(caller string) error {
	if err := m.requireAuthority(caller); err != nil {
		return err
	}
	switch m.phase {
	case model.PhaseOpen, model.PhaseActive, model.PhaseLocked:
		m.phase = model.PhaseCancelled
		return nil
	}
	return phaseErr(m.phase, "cancel")
}

// Close force-closes the market after expiry. Callable by anyone; the
// remaining funds are swept to the outcome authority by the caller of this
// transition. Unreachable once Settled or Closed.
func (m *Machine) Close() error {
	if m.phase.Terminal() {
		return phaseErr(m.phase, "close")
	}
	if m.clock().Before(m.expiry) {
		return fmt.Errorf("%w: close before expiry %s", model.ErrPhaseViolation, m.expiry.Format(time.RFC3339))
	}
	m.phase = model.PhaseClosed
	return nil
}

package engine

import (
	"fmt"
	"sync/atomic"
)

// SafetyPolicy is the process-wide safety state for autonomous execution.
// The kill switch is flipped by an external operational control; the engine
// only ever reads it.
type SafetyPolicy struct {
	killSwitch atomic.Bool
}

func NewSafetyPolicy() *SafetyPolicy { return &SafetyPolicy{} }

// SetKillSwitch engages or releases the kill switch.
func (p *SafetyPolicy) SetKillSwitch(engaged bool) {
	p.killSwitch.Store(engaged)
}

// KillSwitchEngaged reports whether autonomous execution is disabled.
func (p *SafetyPolicy) KillSwitchEngaged() bool {
	if p == nil {
		return false
	}
	return p.killSwitch.Load()
}

// PolicyViolation is returned by a capability when it detects a safety-policy
// breach mid-execution. The engine converts it into a safety event plus a
// SAFETY_VIOLATION step error.
type PolicyViolation struct {
	Rule   string
	Detail string
}

func (v *PolicyViolation) Error() string {
	return fmt.Sprintf("safety policy violation (%s): %s", v.Rule, v.Detail)
}

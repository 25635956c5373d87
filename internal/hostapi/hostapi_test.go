package hostapi

import (
	"testing"

	"github.com/gargoyle-router/timemond/internal/accountant"
	"github.com/gargoyle-router/timemond/internal/clock"
	"github.com/gargoyle-router/timemond/internal/coordinator"
	"github.com/gargoyle-router/timemond/internal/corrector"
	"github.com/gargoyle-router/timemond/internal/epoch"
	"github.com/gargoyle-router/timemond/internal/identity"
)

func newEngine(t *testing.T) (*Engine, *clock.FakeClock) {
	t.Helper()
	store := identity.NewStore()
	coord := coordinator.New()
	fc := clock.NewFakeClock(0)
	corr := corrector.New(store, coord)
	acc := accountant.New(store, fc, coord, corr)
	return &Engine{Store: store, Coordinator: coord, Accountant: acc, Clock: fc}, fc
}

func TestOnRuleInstallAndMatch(t *testing.T) {
	e, fc := newEngine(t)
	cfg := RuleConfig{
		ID: "web", Mode: identity.Combined, CheckKind: identity.Monitor,
		Policy: epoch.Policy{Fixed: &epoch.FixedPolicy{PeriodSeconds: 3600}},
	}
	rule, ok := e.OnRuleInstall(cfg)
	if !ok {
		t.Fatalf("OnRuleInstall failed")
	}

	// now=10 keeps clear of the first QUANTUM after install, where
	// last_record_time(0)+QUANTUM>now and no tick can yet be judged due.
	fc.Set(10)
	if !e.OnMatch(accountant.Packet{Src: 1, Dst: 2}, rule) {
		t.Errorf("monitor rule must always match")
	}
	if rule.Target.Current != 5 {
		t.Errorf("Current = %d, want 5", rule.Target.Current)
	}
}

func TestOnRuleInstallRejectsDuplicateID(t *testing.T) {
	e, _ := newEngine(t)
	cfg := RuleConfig{ID: "dup", Mode: identity.Combined, CheckKind: identity.Monitor,
		Policy: epoch.Policy{Fixed: &epoch.FixedPolicy{PeriodSeconds: 60}}}
	if _, ok := e.OnRuleInstall(cfg); !ok {
		t.Fatalf("first install should succeed")
	}
	if _, ok := e.OnRuleInstall(cfg); ok {
		t.Fatalf("duplicate non-check install should be rejected")
	}
}

func TestOnRuleInstallCheckSharesIdentity(t *testing.T) {
	e, _ := newEngine(t)
	cfg := RuleConfig{ID: "shared", Mode: identity.Combined, CheckKind: identity.Monitor,
		Policy: epoch.Policy{Fixed: &epoch.FixedPolicy{PeriodSeconds: 60}}}
	base, ok := e.OnRuleInstall(cfg)
	if !ok {
		t.Fatalf("base install failed")
	}

	checkCfg := RuleConfig{ID: "shared", CheckKind: identity.CheckSwap}
	check, ok := e.OnRuleInstall(checkCfg)
	if !ok {
		t.Fatalf("check install failed")
	}
	if check.Target != base.Target {
		t.Errorf("check rule should share the same underlying identity state")
	}
	if base.Target.RefCount != 2 {
		t.Errorf("RefCount = %d, want 2", base.Target.RefCount)
	}
}

func TestOnRuleDestroyDecrementsAndFrees(t *testing.T) {
	e, _ := newEngine(t)
	cfg := RuleConfig{ID: "temp", Mode: identity.Combined, CheckKind: identity.Monitor,
		Policy: epoch.Policy{Fixed: &epoch.FixedPolicy{PeriodSeconds: 60}}}
	rule, _ := e.OnRuleInstall(cfg)

	e.OnRuleDestroy(rule)
	if e.Store.Len() != 0 {
		t.Errorf("Store.Len() = %d, want 0 after last reference destroyed", e.Store.Len())
	}
}

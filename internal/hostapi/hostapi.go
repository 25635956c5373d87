// Package hostapi is the narrow surface a packet-filter host calls into:
// on_rule_install, on_rule_destroy and on_match from spec §6, plus the
// rule-attachment record a firewall rule carries.
package hostapi

import (
	"github.com/gargoyle-router/timemond/internal/accountant"
	"github.com/gargoyle-router/timemond/internal/clock"
	"github.com/gargoyle-router/timemond/internal/coordinator"
	"github.com/gargoyle-router/timemond/internal/epoch"
	"github.com/gargoyle-router/timemond/internal/identity"
	"github.com/gargoyle-router/timemond/internal/log"
)

// RuleConfig is an identity's configuration record as attached to a
// firewall rule, before the engine resolves its back-pointers (spec §6).
type RuleConfig struct {
	ID              string
	Mode            identity.Mode
	CheckKind       identity.CheckKind
	LocalSubnet     uint32
	LocalSubnetMask uint32
	Policy          epoch.Policy
	Cutoff          uint64
	HistoryCapacity int
}

// Engine wires the full accounting stack together: one Store, one
// Coordinator, one Accountant, and the Clock they all read from. It is
// the object cmd/timemond constructs and hands to both the control
// transport and the packet-filter host.
type Engine struct {
	Store       *identity.Store
	Coordinator *coordinator.Coordinator
	Accountant  *accountant.Accountant
	Clock       clock.Clock
}

// OnRuleInstall implements spec §6's on_rule_install: it resolves cfg into
// a Rule handle, rejecting a non-Check rule whose id collides with an
// existing identity. The returned Rule is the back-pointer the host keeps
// attached to its firewall rule and passes to every subsequent OnMatch.
// Register/unregister are serialized under admin_lock per spec §4.9.
func (e *Engine) OnRuleInstall(cfg RuleConfig) (*identity.Rule, bool) {
	e.Coordinator.LockAdmin()
	defer e.Coordinator.UnlockAdmin()

	if cfg.CheckKind == identity.Check || cfg.CheckKind == identity.CheckSwap {
		rule, err := e.Store.InstallCheckRule(cfg.ID, cfg.CheckKind)
		if err != nil {
			log.Logger.Warn().Str("id", cfg.ID).Msg("hostapi: check rule references unknown identity")
			return nil, false
		}
		return rule, true
	}

	calc := epoch.NewCalculator(cfg.Policy)
	now := e.Clock.LocalNow()
	nextReset := calc.Next(now, 0)
	st := identity.NewIdentityState(cfg.ID, cfg.Mode, cfg.CheckKind, calc, cfg.HistoryCapacity, cfg.Cutoff, nextReset, now)
	st.LocalSubnet = cfg.LocalSubnet
	st.LocalSubnetMask = cfg.LocalSubnetMask

	rule, err := e.Store.InstallRule(st)
	if err != nil {
		log.Logger.Warn().Str("id", cfg.ID).Msg("hostapi: duplicate identity, rule rejected")
		return nil, false
	}
	return rule, true
}

// OnRuleDestroy implements spec §6's on_rule_destroy: it decrements the
// identity's reference count, freeing its maps and histories at zero.
func (e *Engine) OnRuleDestroy(rule *identity.Rule) {
	if rule == nil || rule.Target == nil {
		return
	}
	e.Coordinator.LockAdmin()
	defer e.Coordinator.UnlockAdmin()
	e.Store.Unregister(rule.Target.ID)
}

// OnMatch implements spec §6's on_match: it forwards to the Accountant's
// hot path.
func (e *Engine) OnMatch(pkt accountant.Packet, rule *identity.Rule) bool {
	return e.Accountant.Match(pkt, rule)
}

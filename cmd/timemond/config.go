package main

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gargoyle-router/timemond/internal/epoch"
	"github.com/gargoyle-router/timemond/internal/hostapi"
	"github.com/gargoyle-router/timemond/internal/identity"
	"github.com/gargoyle-router/timemond/internal/netdev"
)

// fileConfig is the on-disk YAML shape of the rule-attachment list: one
// entry per firewall rule, mirroring spec.md §6's ipt_timemon_info record.
type fileConfig struct {
	Rules []ruleConfig `yaml:"rules"`
}

type ruleConfig struct {
	ID              string      `yaml:"id"`
	Mode            string      `yaml:"mode"`
	CheckKind       string      `yaml:"check_kind"`
	Cutoff          uint64      `yaml:"cutoff"`
	HistoryCapacity int         `yaml:"history_capacity"`
	Interface       string      `yaml:"interface"`
	LocalSubnet     string      `yaml:"local_subnet"`
	Reset           resetConfig `yaml:"reset"`
}

type resetConfig struct {
	Calendar      string `yaml:"calendar"`
	OffsetSeconds uint32 `yaml:"offset_seconds"`
	PeriodSeconds uint64 `yaml:"period_seconds"`
	AnchorSeconds uint64 `yaml:"anchor_seconds"`
}

func loadConfig(path string) ([]ruleConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return fc.Rules, nil
}

var calendarUnits = map[string]epoch.Unit{
	"minute": epoch.Minute, "hour": epoch.Hour, "day": epoch.Day,
	"week": epoch.Week, "month": epoch.Month, "never": epoch.Never,
}

func (r resetConfig) toPolicy() (epoch.Policy, error) {
	if r.Calendar != "" {
		unit, ok := calendarUnits[r.Calendar]
		if !ok {
			return epoch.Policy{}, fmt.Errorf("unknown calendar unit %q", r.Calendar)
		}
		return epoch.Policy{Calendar: &epoch.CalendarPolicy{Unit: unit, OffsetSeconds: r.OffsetSeconds}}, nil
	}
	if r.PeriodSeconds == 0 {
		return epoch.Policy{}, fmt.Errorf("reset policy needs either calendar or period_seconds")
	}
	return epoch.Policy{Fixed: &epoch.FixedPolicy{PeriodSeconds: r.PeriodSeconds, AnchorSeconds: r.AnchorSeconds}}, nil
}

var ruleModes = map[string]identity.Mode{
	"combined": identity.Combined, "individual_src": identity.IndividualSrc,
	"individual_dst": identity.IndividualDst, "individual_local": identity.IndividualLocal,
	"individual_remote": identity.IndividualRemote,
}

var ruleCheckKinds = map[string]identity.CheckKind{
	"monitor": identity.Monitor, "compare_gt": identity.CompareGt,
	"compare_lt": identity.CompareLt, "check": identity.Check, "check_swap": identity.CheckSwap,
}

// toEngineConfig resolves r into the record hostapi.OnRuleInstall expects,
// including dialing rtnetlink for r.Interface's live subnet when an operator
// named an interface instead of hand-computing local_subnet/local_subnet_mask.
func (r ruleConfig) toEngineConfig() (hostapi.RuleConfig, error) {
	kind, ok := ruleCheckKinds[r.CheckKind]
	if !ok {
		return hostapi.RuleConfig{}, fmt.Errorf("rule %q: unknown check_kind %q", r.ID, r.CheckKind)
	}

	cfg := hostapi.RuleConfig{ID: r.ID, CheckKind: kind, Cutoff: r.Cutoff, HistoryCapacity: r.HistoryCapacity}
	if kind == identity.Check || kind == identity.CheckSwap {
		return cfg, nil
	}

	mode, ok := ruleModes[r.Mode]
	if !ok {
		return hostapi.RuleConfig{}, fmt.Errorf("rule %q: unknown mode %q", r.ID, r.Mode)
	}
	cfg.Mode = mode

	policy, err := r.Reset.toPolicy()
	if err != nil {
		return hostapi.RuleConfig{}, fmt.Errorf("rule %q: %w", r.ID, err)
	}
	cfg.Policy = policy

	switch {
	case r.Interface != "":
		subnet, mask, err := netdev.ResolveSubnet(r.Interface)
		if err != nil {
			return hostapi.RuleConfig{}, fmt.Errorf("rule %q: %w", r.ID, err)
		}
		cfg.LocalSubnet, cfg.LocalSubnetMask = subnet, mask
	case r.LocalSubnet != "":
		subnet, mask, err := parseIPv4CIDR(r.LocalSubnet)
		if err != nil {
			return hostapi.RuleConfig{}, fmt.Errorf("rule %q: %w", r.ID, err)
		}
		cfg.LocalSubnet, cfg.LocalSubnetMask = subnet, mask
	}
	return cfg, nil
}

func parseIPv4CIDR(s string) (subnet, mask uint32, err error) {
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return 0, 0, err
	}
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return 0, 0, fmt.Errorf("not an IPv4 CIDR: %q", s)
	}
	return ipToUint32(ip4), ipToUint32(net.IP(ipnet.Mask)), nil
}

func ipToUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// installRules installs every Monitor/Compare rule first so a Check or
// CheckSwap rule can resolve its target regardless of file ordering.
func installRules(e *hostapi.Engine, rules []ruleConfig) error {
	var checks []ruleConfig
	for _, r := range rules {
		if kind, ok := ruleCheckKinds[r.CheckKind]; ok && (kind == identity.Check || kind == identity.CheckSwap) {
			checks = append(checks, r)
			continue
		}
		cfg, err := r.toEngineConfig()
		if err != nil {
			return err
		}
		if _, ok := e.OnRuleInstall(cfg); !ok {
			return fmt.Errorf("rule %q: install rejected (duplicate id?)", r.ID)
		}
	}
	for _, r := range checks {
		cfg, err := r.toEngineConfig()
		if err != nil {
			return err
		}
		if _, ok := e.OnRuleInstall(cfg); !ok {
			return fmt.Errorf("check rule %q: install rejected (unknown target?)", r.ID)
		}
	}
	return nil
}

package plugin

import (
	"errors"
	"fmt"
	"slices"
)

// IsolationStrategy confines what a loaded skill or hub plugin may do.
// Validate runs before registration, Prepare before start and Cleanup
// after stop.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// NoopIsolationStrategy checks declared capabilities against the policy
// and otherwise leaves the plugin unconfined. Capability declarations
// still matter downstream: the authorization gate scores filesystem,
// network and execution access separately.
type NoopIsolationStrategy struct{}

// Validate rejects a plugin whose declared capabilities fall outside
// the policy. An explicit denial always wins over an allowance.
func (NoopIsolationStrategy) Validate(info Info, policy IsolationPolicy) error {
	allowed := map[Capability]struct{}{}
	for _, cap := range policy.AllowedCapabilities {
		allowed[cap] = struct{}{}
	}
	for _, cap := range policy.DeniedCapabilities {
		if slices.Contains(info.Capabilities, cap) {
			return fmt.Errorf("capability %s is explicitly denied", cap)
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, cap := range info.Capabilities {
		if _, ok := allowed[cap]; !ok {
			return fmt.Errorf("capability %s not permitted", cap)
		}
	}
	return nil
}

// Prepare implements IsolationStrategy.
func (NoopIsolationStrategy) Prepare(Info) error { return nil }

// Cleanup implements IsolationStrategy.
func (NoopIsolationStrategy) Cleanup(Info) error { return nil }

// NewIsolationStrategy falls back to NoopIsolationStrategy when the
// caller supplied none.
func NewIsolationStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return NoopIsolationStrategy{}
	}
	return strategy
}

// MergePolicies resolves the effective policy for one plugin: the
// per-plugin policy fills gaps from the manager defaults.
func MergePolicies(defaults IsolationPolicy, plugin *IsolationPolicy) IsolationPolicy {
	if plugin == nil {
		return defaults
	}
	merged := plugin.Merge(defaults)
	if len(merged.AllowedCapabilities) == 0 && len(merged.DeniedCapabilities) == 0 {
		return defaults
	}
	return merged
}

// EnsurePolicy refuses a capability-declaring plugin that would run
// with no policy at all. Capability-free plugins need no policy.
func EnsurePolicy(info Info, policy IsolationPolicy) error {
	if len(info.Capabilities) == 0 {
		return nil
	}
	if len(policy.AllowedCapabilities) == 0 && len(policy.DeniedCapabilities) == 0 {
		return errors.New("plugins declaring capabilities require an isolation policy")
	}
	return nil
}

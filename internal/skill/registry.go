package skill

import (
	"sort"
	"strings"
	"sync"

	xerrors "Aurora-Operator/internal/errors"
)

// Registry maps dispatch target names to skill and hub implementations.
// Registration normally happens during startup; lookups are concurrent.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Skill
	hubs   map[string]Hub
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		skills: make(map[string]Skill),
		hubs:   make(map[string]Hub),
	}
}

// RegisterSkill adds a skill under its Info().Name target. Registering the
// same target twice replaces the previous implementation.
func (r *Registry) RegisterSkill(s Skill) error {
	if s == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "技能实现不能为空")
	}
	name := strings.TrimSpace(s.Info().Name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "技能名称不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[name] = s
	return nil
}

// RegisterHub adds a hub under its Info().Name target.
func (r *Registry) RegisterHub(h Hub) error {
	if h == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "Hub 实现不能为空")
	}
	name := strings.TrimSpace(h.Info().Name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "Hub 名称不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hubs[name] = h
	return nil
}

// Skill resolves a skill target.
func (r *Registry) Skill(target string) (Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[target]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "未注册的技能目标",
			xerrors.WithMetadata("target", target))
	}
	return s, nil
}

// Hub resolves a hub target.
func (r *Registry) Hub(target string) (Hub, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hubs[target]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "未注册的 Hub 目标",
			xerrors.WithMetadata("target", target))
	}
	return h, nil
}

// Targets returns every registered dispatch target, sorted.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := make([]string, 0, len(r.skills)+len(r.hubs))
	for name := range r.skills {
		targets = append(targets, name)
	}
	for name := range r.hubs {
		targets = append(targets, name)
	}
	sort.Strings(targets)
	return targets
}

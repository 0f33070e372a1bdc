// Package registry owns the subsystem lifecycle: registration, dependency
// ordering, initialization, start, restart and shutdown.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
	"go.uber.org/zap"
)

// Registry manages the lifecycle of all registered subsystems.
type Registry struct {
	mu         sync.RWMutex
	plugins    map[string]plugin.Plugin
	infos      map[string]plugin.PluginInfo
	registered []string // registration order, the tie-breaker of the sort
	order      []string // dependency order after Validate
	disabled   map[string]bool
	reasons    map[string]string
	logger     *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		plugins:  make(map[string]plugin.Plugin),
		infos:    make(map[string]plugin.PluginInfo),
		disabled: make(map[string]bool),
		reasons:  make(map[string]string),
		logger:   logger,
	}
}

// Register adds a subsystem. Must be called before Validate.
func (r *Registry) Register(p plugin.Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := p.Info()
	if info.Name == "" {
		return errors.New("subsystem has empty name")
	}
	if _, exists := r.plugins[info.Name]; exists {
		return fmt.Errorf("subsystem %q already registered", info.Name)
	}
	r.plugins[info.Name] = p
	r.infos[info.Name] = info
	r.registered = append(r.registered, info.Name)
	r.logger.Debug("subsystem registered",
		zap.String("name", info.Name),
		zap.String("version", info.Version),
	)
	return nil
}

// Validate checks API versions and dependencies, disabling optional
// subsystems that cannot run, and computes the start order. A required
// subsystem that cannot run is an error.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.registered {
		info := r.infos[name]
		if err := checkAPIVersion(info); err != nil {
			if err := r.disable(name, err.Error()); err != nil {
				return err
			}
		}
	}

	// Missing or disabled dependencies disable their dependents until
	// nothing changes.
	for changed := true; changed; {
		changed = false
		for _, name := range r.registered {
			if r.disabled[name] {
				continue
			}
			for _, dep := range r.infos[name].Dependencies {
				var reason string
				switch {
				case r.plugins[dep] == nil:
					reason = fmt.Sprintf("depends on %q which is not registered", dep)
				case r.disabled[dep]:
					reason = fmt.Sprintf("depends on %q which is disabled", dep)
				default:
					continue
				}
				if err := r.disable(name, reason); err != nil {
					return err
				}
				changed = true
				break
			}
		}
	}

	order, err := r.sortActive()
	if err != nil {
		return err
	}
	r.order = order
	r.logger.Info("subsystem order resolved",
		zap.Strings("start_order", r.order),
		zap.Int("disabled", len(r.disabled)),
	)
	return nil
}

// disable marks an optional subsystem disabled. For a required one it
// returns the reason as an error instead.
func (r *Registry) disable(name, reason string) error {
	if r.infos[name].Required {
		return fmt.Errorf("required subsystem %q cannot run: %s", name, reason)
	}
	r.logger.Warn("disabling subsystem", zap.String("name", name), zap.String("reason", reason))
	r.disabled[name] = true
	r.reasons[name] = reason
	return nil
}

func checkAPIVersion(info plugin.PluginInfo) error {
	if info.APIVersion < plugin.APIVersionMin || info.APIVersion > plugin.APIVersionCurrent {
		return fmt.Errorf("subsystem %q targets API v%d, supported v%d..v%d",
			info.Name, info.APIVersion, plugin.APIVersionMin, plugin.APIVersionCurrent)
	}
	return nil
}

// sortActive orders active subsystems so dependencies come first. Ties
// keep registration order, so the result is stable across runs.
func (r *Registry) sortActive() ([]string, error) {
	rank := make(map[string]int, len(r.registered))
	inDegree := make(map[string]int)
	dependents := make(map[string][]string)
	for i, name := range r.registered {
		rank[name] = i
		if !r.disabled[name] {
			inDegree[name] = 0
		}
	}
	for name := range inDegree {
		for _, dep := range r.infos[name].Dependencies {
			if _, ok := inDegree[dep]; ok {
				inDegree[name]++
				dependents[dep] = append(dependents[dep], name)
			}
		}
	}

	var ready []string
	for name, d := range inDegree {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	byRank := func(s []string) { sort.Slice(s, func(i, j int) bool { return rank[s[i]] < rank[s[j]] }) }

	var order []string
	for len(ready) > 0 {
		byRank(ready)
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(inDegree) {
		var cycled []string
		for name, d := range inDegree {
			if d > 0 {
				cycled = append(cycled, name)
			}
		}
		byRank(cycled)
		return nil, fmt.Errorf("dependency cycle among subsystems: %v", cycled)
	}
	return order, nil
}

// safeCall runs a lifecycle hook, turning a panic into an error.
func safeCall(name, hook string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subsystem %q panicked in %s: %v", name, hook, rec)
		}
	}()
	return fn()
}

// fail handles a lifecycle error: a required subsystem aborts, an optional
// one is disabled.
func (r *Registry) fail(name, hook string, err error) error {
	if r.infos[name].Required {
		return fmt.Errorf("required subsystem %q failed to %s: %w", name, hook, err)
	}
	r.logger.Error("optional subsystem failed, disabling",
		zap.String("name", name),
		zap.String("hook", hook),
		zap.Error(err),
	)
	r.disabled[name] = true
	r.reasons[name] = err.Error()
	return nil
}

// InitAll initializes active subsystems in order and subscribes every
// EventSubscriber to the bus it was given.
func (r *Registry) InitAll(ctx context.Context, depsFn func(name string) plugin.Dependencies) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		p := r.plugins[name]
		deps := depsFn(name)
		err := safeCall(name, "init", func() error { return p.Init(ctx, deps) })
		if err == nil {
			if v, ok := p.(plugin.Validator); ok {
				err = safeCall(name, "validate", v.ValidateConfig)
			}
		}
		if err != nil {
			if ferr := r.fail(name, "init", err); ferr != nil {
				return ferr
			}
			continue
		}

		if es, ok := p.(plugin.EventSubscriber); ok && deps.Bus != nil {
			for _, sub := range es.Subscriptions() {
				subName := sub.Name
				if subName == "" {
					subName = name
				}
				deps.Bus.Subscribe(sub.Topic, subName, sub.Handler)
			}
		}
	}
	return nil
}

// StartAll starts initialized subsystems in order.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		p := r.plugins[name]
		r.logger.Info("starting subsystem", zap.String("name", name))
		if err := safeCall(name, "start", func() error { return p.Start(ctx) }); err != nil {
			if ferr := r.fail(name, "start", err); ferr != nil {
				return ferr
			}
		}
	}
	return nil
}

// StopAll stops active subsystems in reverse order. Errors and panics are
// logged and never stop the remaining subsystems.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if r.disabled[name] {
			continue
		}
		p := r.plugins[name]
		r.logger.Info("stopping subsystem", zap.String("name", name))
		if err := safeCall(name, "stop", func() error { return p.Stop(ctx) }); err != nil {
			r.logger.Error("subsystem stop failed", zap.String("name", name), zap.Error(err))
		}
	}
}

// Restart stops and starts one active subsystem.
func (r *Registry) Restart(ctx context.Context, name string) error {
	p, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("subsystem %q is not active", name)
	}
	if err := safeCall(name, "stop", func() error { return p.Stop(ctx) }); err != nil {
		r.logger.Warn("stop before restart failed", zap.String("name", name), zap.Error(err))
	}
	return safeCall(name, "start", func() error { return p.Start(ctx) })
}

// Get returns an active subsystem by name.
func (r *Registry) Get(name string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok || r.disabled[name] {
		return nil, false
	}
	return p, true
}

// Names returns the active subsystem names in start order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if !r.disabled[name] {
			out = append(out, name)
		}
	}
	return out
}

// All returns the active subsystems in start order.
func (r *Registry) All() []plugin.Plugin {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]plugin.Plugin, len(names))
	for i, n := range names {
		out[i] = r.plugins[n]
	}
	return out
}

// Info returns the metadata of a registered subsystem.
func (r *Registry) Info(name string) (plugin.PluginInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[name]
	return info, ok
}

// Disabled returns every disabled subsystem with the reason.
func (r *Registry) Disabled() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.reasons))
	for name := range r.disabled {
		out[name] = r.reasons[name]
	}
	return out
}

// IsDisabled reports whether a subsystem was disabled.
func (r *Registry) IsDisabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled[name]
}

// AllRoutes returns the routes of active HTTPProvider subsystems by name.
func (r *Registry) AllRoutes() map[string][]plugin.Route {
	routes := make(map[string][]plugin.Route)
	for _, p := range r.All() {
		if hp, ok := p.(plugin.HTTPProvider); ok {
			if pr := hp.Routes(); len(pr) > 0 {
				routes[p.Info().Name] = pr
			}
		}
	}
	return routes
}

// Resolve implements plugin.PluginResolver.
func (r *Registry) Resolve(name string) (plugin.Plugin, bool) {
	return r.Get(name)
}

// ResolveByRole returns active subsystems declaring role.
func (r *Registry) ResolveByRole(role string) []plugin.Plugin {
	var out []plugin.Plugin
	for _, p := range r.All() {
		for _, pr := range p.Info().Roles {
			if pr == role {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

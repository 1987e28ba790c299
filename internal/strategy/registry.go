package strategy

import (
	"fmt"
	"sort"
	"sync"

	"hedge-core/pkg/errs"
)

const (
	MartingaleHedgeName = "martingale_hedge"
	RecoveryName        = "recovery"
)

// Definition binds a strategy name to its parameter decoder and engine
// constructor.
type Definition struct {
	Name        string
	Description string
	Decode      func(raw []byte) (Params, error)
	New         func(p Params) (Engine, error)
}

// Registry is the startup registration table of strategies.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// DefaultRegistry registers the built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(Definition{
		Name:        MartingaleHedgeName,
		Description: "martingale adds with hedge lock and unlock",
		Decode:      decodeMartingale,
		New: func(p Params) (Engine, error) {
			mp, ok := p.(MartingaleParams)
			if !ok {
				return nil, fmt.Errorf("martingale_hedge: unexpected params %T", p)
			}
			return NewMartingale(mp), nil
		},
	})
	r.MustRegister(Definition{
		Name:        RecoveryName,
		Description: "unwinds positions adopted from the exchange",
		Decode:      decodeRecovery,
		New: func(p Params) (Engine, error) {
			rp, ok := p.(RecoveryParams)
			if !ok {
				return nil, fmt.Errorf("recovery: unexpected params %T", p)
			}
			return NewRecovery(rp), nil
		},
	})
	return r
}

// Register adds def; names are unique.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" || def.Decode == nil || def.New == nil {
		return fmt.Errorf("strategy definition %q is incomplete", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("strategy %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names lists registered strategies in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build decodes and validates raw parameters for name and constructs the
// engine.
func (r *Registry) Build(name string, raw []byte) (Params, Engine, error) {
	def, ok := r.Lookup(name)
	if !ok {
		return nil, nil, errs.New(errs.CodeInvalidParameter,
			errs.WithMessage(fmt.Sprintf("unknown strategy %q", name)),
			errs.WithDetail("strategy", name),
			errs.WithRemediation(fmt.Sprintf("use one of %v", r.Names())))
	}
	params, err := def.Decode(raw)
	if err != nil {
		return nil, nil, err
	}
	engine, err := def.New(params)
	if err != nil {
		return nil, nil, err
	}
	return params, engine, nil
}

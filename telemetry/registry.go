// Package telemetry is a flat name/value registry of log variables and
// tunable parameters, read by the web and rbc transports.
package telemetry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownVar = errors.New("telemetry: unknown variable")
	ErrReadOnly   = errors.New("telemetry: variable is read-only")
	ErrDuplicate  = errors.New("telemetry: variable already registered")
)

type Kind int

const (
	KindLog Kind = iota
	KindParam
)

func (k Kind) String() string {
	if k == KindParam {
		return "param"
	}
	return "log"
}

// Var binds a name to accessor functions. Set is nil for log variables.
type Var struct {
	Name string
	Kind Kind
	Get  func() float64
	Set  func(float64) error
}

// Entry is one variable as seen by a reader.
type Entry struct {
	Name     string  `json:"name"`
	Kind     string  `json:"kind"`
	Value    float64 `json:"value"`
	Writable bool    `json:"writable"`
}

type Registry struct {
	mu   sync.RWMutex
	vars map[string]Var
}

func NewRegistry() *Registry {
	return &Registry{vars: make(map[string]Var)}
}

func (r *Registry) Add(v Var) error {
	if v.Name == "" || v.Get == nil {
		return fmt.Errorf("telemetry: variable %q needs a name and a getter", v.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.vars[v.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, v.Name)
	}
	r.vars[v.Name] = v
	return nil
}

func (r *Registry) lookup(name string) (Var, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vars[name]
	if !ok {
		return Var{}, fmt.Errorf("%w: %s", ErrUnknownVar, name)
	}
	return v, nil
}

func (r *Registry) Get(name string) (float64, error) {
	v, err := r.lookup(name)
	if err != nil {
		return 0, err
	}
	return v.Get(), nil
}

func (r *Registry) Set(name string, value float64) error {
	v, err := r.lookup(name)
	if err != nil {
		return err
	}
	if v.Kind != KindParam || v.Set == nil {
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	if err := v.Set(value); err != nil {
		return fmt.Errorf("telemetry: set %s: %w", name, err)
	}
	return nil
}

// Names returns every registered name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.vars))
	for n := range r.vars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot reads every variable. Getters run outside the registry lock.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	vars := make([]Var, 0, len(r.vars))
	for _, v := range r.vars {
		vars = append(vars, v)
	}
	r.mu.RUnlock()

	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	out := make([]Entry, 0, len(vars))
	for _, v := range vars {
		out = append(out, Entry{
			Name:     v.Name,
			Kind:     v.Kind.String(),
			Value:    v.Get(),
			Writable: v.Kind == KindParam && v.Set != nil,
		})
	}
	return out
}

// Values is Snapshot keyed by name.
func (r *Registry) Values() map[string]float64 {
	out := make(map[string]float64)
	for _, e := range r.Snapshot() {
		out[e.Name] = e.Value
	}
	return out
}

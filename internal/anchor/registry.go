package anchor

import (
	"fmt"
	"sort"

	"grid_quant/internal/domain"
)

// Registry 策略表。启动时一次性建好，之后只读，每个策略自带互斥锁。
type Registry struct {
	order    []*Controller
	byKey    map[domain.StrategyKey]*Controller
	bySymbol map[string][]*Controller
}

func NewRegistry(ctrls ...*Controller) (*Registry, error) {
	r := &Registry{
		byKey:    make(map[domain.StrategyKey]*Controller, len(ctrls)),
		bySymbol: make(map[string][]*Controller),
	}
	for _, c := range ctrls {
		if _, dup := r.byKey[c.Key()]; dup {
			return nil, &domain.ConfigError{Field: "strategies", Reason: fmt.Sprintf("duplicate strategy %s", c.Key())}
		}
		r.order = append(r.order, c)
		r.byKey[c.Key()] = c
		r.bySymbol[c.Key().Symbol] = append(r.bySymbol[c.Key().Symbol], c)
	}
	return r, nil
}

func (r *Registry) Get(key domain.StrategyKey) (*Controller, bool) {
	c, ok := r.byKey[key]
	return c, ok
}

// BySymbol returns every strategy trading symbol, in registration order.
func (r *Registry) BySymbol(symbol string) []*Controller {
	return r.bySymbol[symbol]
}

func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) All() []*Controller {
	return r.order
}

func (r *Registry) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(r.order))
	for _, c := range r.order {
		out = append(out, c.Snapshot())
	}
	return out
}

// Quiesce stops every controller, waiting for in-flight refreshes.
func (r *Registry) Quiesce() {
	for _, c := range r.order {
		c.Quiesce()
	}
}

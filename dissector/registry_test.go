package dissector

import (
	"testing"

	"github.com/flowlens/flowlens/schema"
	"github.com/stretchr/testify/assert"
)

type stub struct {
	Base
	name string
	deps []string
}

func (s *stub) Name() string          { return s.name }
func (s *stub) DependsOn() []string   { return s.deps }
func (s *stub) Schema() schema.Schema { return nil }

func TestRegistry_TopologicalOrder(t *testing.T) {
	assert := assert.New(t)
	reg := NewRegistry()
	assert.NoError(reg.Register(&stub{name: "voip", deps: []string{"sip"}}))
	assert.NoError(reg.Register(&stub{name: "sip"}))
	assert.NoError(reg.Register(&stub{name: "basicstats"}))

	assert.NoError(reg.Load())

	order := reg.Ordered()
	pos := map[string]int{}
	for i, d := range order {
		pos[d.Name()] = i
	}
	assert.Less(pos["sip"], pos["voip"])
	assert.Len(order, 3)
}

func TestRegistry_UnknownDependency(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stub{name: "voip", deps: []string{"sip"}})
	assert.ErrorIs(t, reg.Load(), ErrUnknownDependency)
}

func TestRegistry_Cycle(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stub{name: "a", deps: []string{"b"}})
	reg.Register(&stub{name: "b", deps: []string{"a"}})
	assert.ErrorIs(t, reg.Load(), ErrDependencyCycle)
}

func TestRegistry_DuplicateName(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stub{name: "a"})
	assert.ErrorIs(t, reg.Register(&stub{name: "a"}), ErrDuplicateName)
}

var _ Dissector = (*stub)(nil)

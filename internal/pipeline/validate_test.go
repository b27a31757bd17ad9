package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The built-in flavors are all straight lines or fan-outs, so the cycle
// check only fires on hand-built graphs. It still has to hold: a cycle in
// the topology would republish every story without bound.
func TestValidateRejectsCycle(t *testing.T) {
	topo := &Topology{
		Flavor: "test",
		Procs: []Proc{
			{Name: "a", Consumer: true, Outputs: []string{"b"}},
			{Name: "b", Consumer: true, Outputs: []string{"c"}},
			{Name: "c", Consumer: true, Outputs: []string{"a"}},
		},
		byName: map[string]*Proc{},
	}
	err := topo.validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "cycle detected")
}

func TestValidateRejectsSelfLoop(t *testing.T) {
	topo := &Topology{
		Flavor: "test",
		Procs: []Proc{
			{Name: "a", Consumer: true, Outputs: []string{"a"}},
		},
		byName: map[string]*Proc{},
	}
	err := topo.validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "cycle detected through a")
}

func TestValidateAcceptsDiamond(t *testing.T) {
	// two paths converging on the same node is reuse, not a cycle
	topo := &Topology{
		Flavor: "test",
		Procs: []Proc{
			{Name: "src", Outputs: []string{"left", "right"}},
			{Name: "left", Consumer: true, Outputs: []string{"sink"}},
			{Name: "right", Consumer: true, Outputs: []string{"sink"}},
			{Name: "sink", Consumer: true},
		},
		byName: map[string]*Proc{},
	}
	assert.NoError(t, topo.validate())
}

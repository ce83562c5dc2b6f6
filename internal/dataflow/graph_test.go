package dataflow

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/spaceai-flowguard/internal/capability"
)

func TestGraph_SourceNode(t *testing.T) {
	g := NewGraph(zaptest.NewLogger(t))

	n, err := g.CreateSourceNode("bob@company.com", capability.New(capability.Literal, capability.TrustedEmail), SourceOptions{Origin: OriginLiteral})
	require.NoError(t, err)

	assert.Equal(t, NodeID("n1"), n.ID())
	assert.True(t, n.IsSource())
	assert.Empty(t, n.Provenance())
	assert.Equal(t, OriginLiteral, n.Origin())
	assert.Equal(t, []string{"literal", "trusted_email"}, n.Capabilities().Sorted())
}

func TestGraph_DuplicateID(t *testing.T) {
	g := NewGraph(nil)
	_, err := g.CreateSourceNode("a", nil, SourceOptions{ID: "user_query"})
	require.NoError(t, err)

	_, err = g.CreateSourceNode("b", nil, SourceOptions{ID: "user_query"})
	var dup *DuplicateIDError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, NodeID("user_query"), dup.ID)
}

func TestGraph_ExplicitIDDoesNotCollideWithGenerated(t *testing.T) {
	g := NewGraph(nil)
	_, err := g.CreateSourceNode("a", nil, SourceOptions{ID: "n2"})
	require.NoError(t, err)

	n, err := g.CreateSourceNode("b", nil, SourceOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, NodeID("n2"), n.ID())
}

func TestGraph_CapabilitiesAreImmutable(t *testing.T) {
	g := NewGraph(nil)
	caps := capability.New(capability.Literal)
	n, err := g.CreateSourceNode("x", caps, SourceOptions{})
	require.NoError(t, err)

	// ни исходное множество, ни возвращённая копия не влияют на узел
	caps[capability.TrustedEmail] = struct{}{}
	got := n.Capabilities()
	got[capability.Sanitized] = struct{}{}

	assert.Equal(t, []string{"literal"}, n.Capabilities().Sorted())
}

func TestGraph_DeriveIntersection(t *testing.T) {
	g := NewGraph(nil)
	a, _ := g.CreateSourceNode("a", capability.New(capability.Literal, capability.TrustedEmail), SourceOptions{})
	b, _ := g.CreateSourceNode("b", capability.New(capability.Literal, capability.UserInput), SourceOptions{})

	d, err := g.DeriveNode(Derivation{Parents: []NodeID{a.ID(), b.ID()}, Value: "ab"})
	require.NoError(t, err)

	assert.Equal(t, []string{"literal"}, d.Capabilities().Sorted())
	assert.Equal(t, []NodeID{a.ID(), b.ID()}, d.Provenance())
	assert.False(t, d.IsSource())
}

func TestGraph_DeriveWithoutParentsIsEmpty(t *testing.T) {
	g := NewGraph(nil)
	d, err := g.DeriveNode(Derivation{Value: 42})
	require.NoError(t, err)
	assert.Equal(t, 0, d.Capabilities().Len())
}

func TestGraph_SanitizerGrant(t *testing.T) {
	g := NewGraph(nil)
	raw, _ := g.CreateSourceNode("q; DROP TABLE users;", capability.New(capability.UserInput), SourceOptions{RequiresSanitization: true})

	plain, err := g.DeriveNode(Derivation{Parents: []NodeID{raw.ID()}, Value: "copy"})
	require.NoError(t, err)
	assert.True(t, plain.RequiresSanitization(), "taint survives ordinary transformations")
	assert.False(t, plain.Has(capability.Sanitized))

	clean, err := g.DeriveNode(Derivation{Parents: []NodeID{raw.ID()}, Value: "q DROP users", Sanitizer: true})
	require.NoError(t, err)
	assert.False(t, clean.RequiresSanitization())
	assert.Equal(t, []string{"sanitized", "user_input"}, clean.Capabilities().Sorted())
}

func TestGraph_GrantRequiresSanitizer(t *testing.T) {
	g := NewGraph(nil)
	raw, _ := g.CreateSourceNode("x", nil, SourceOptions{})
	_, err := g.DeriveNode(Derivation{Parents: []NodeID{raw.ID()}, Granted: capability.TrustedEmail})
	require.Error(t, err)
}

func TestGraph_DeriveFromMissingParent(t *testing.T) {
	g := NewGraph(nil)
	_, err := g.DeriveNode(Derivation{Parents: []NodeID{"n99"}})
	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, NodeID("n99"), cycle.Parent)
}

func TestGraph_ResolveUnknown(t *testing.T) {
	g := NewGraph(nil)
	_, err := g.Resolve("nope")
	var unknown *UnknownNodeError
	require.ErrorAs(t, err, &unknown)

	_, err = g.CapabilitiesOf("nope")
	require.ErrorAs(t, err, &unknown)
}

func TestGraph_CallEdges(t *testing.T) {
	g := NewGraph(nil)
	a, _ := g.CreateSourceNode("report.pdf", capability.New(capability.Literal), SourceOptions{})

	callID, err := g.AddCall("fetch_document", []Binding{{Param: "name", Node: a.ID()}})
	require.NoError(t, err)

	out, err := g.DeriveNode(Derivation{Parents: []NodeID{a.ID()}, Value: "content", Call: callID})
	require.NoError(t, err)
	assert.Equal(t, callID, out.ProducedBy())
	assert.Equal(t, "tool:fetch_document", out.Origin())

	calls := g.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, out.ID(), calls[0].Output)

	_, err = g.DeriveNode(Derivation{Parents: []NodeID{a.ID()}, Call: callID})
	require.Error(t, err, "a call has exactly one output")

	_, err = g.AddCall("send_email", []Binding{{Param: "recipient", Node: "n42"}})
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)

	require.NoError(t, g.Validate())
}

func TestGraph_Lineage(t *testing.T) {
	g := NewGraph(nil)
	a, _ := g.CreateSourceNode("a", nil, SourceOptions{})
	b, _ := g.CreateSourceNode("b", nil, SourceOptions{})
	ab, _ := g.DeriveNode(Derivation{Parents: []NodeID{a.ID(), b.ID()}})
	abc, _ := g.DeriveNode(Derivation{Parents: []NodeID{ab.ID(), a.ID()}})

	lineage, err := g.Lineage(abc.ID())
	require.NoError(t, err)

	ids := make([]NodeID, 0, len(lineage))
	for _, e := range lineage {
		ids = append(ids, e.Node.ID)
	}
	assert.Equal(t, []NodeID{abc.ID(), ab.ID(), a.ID(), b.ID()}, ids)
	assert.Equal(t, []NodeID{abc.ID(), ab.ID()}, lineage[2].Path)

	_, err = g.Lineage("missing")
	require.Error(t, err)
}

func TestView_ReadsThroughGraph(t *testing.T) {
	g := NewGraph(nil)
	src, _ := g.CreateSourceNode("q", capability.New(capability.Literal), SourceOptions{})
	d, _ := g.DeriveNode(Derivation{Parents: []NodeID{src.ID()}})
	call, err := g.AddCall("search_document", []Binding{{Param: "query", Node: d.ID()}})
	require.NoError(t, err)

	v := g.ReadOnly()
	assert.Equal(t, 2, v.Len())
	assert.Equal(t, g.Nodes(), v.Nodes())
	require.Len(t, v.Calls(), 1)
	assert.Equal(t, call, v.Calls()[0].ID)
	assert.NoError(t, v.Validate())

	caps, err := v.CapabilitiesOf(d.ID())
	require.NoError(t, err)
	assert.True(t, caps.Has(capability.Literal))

	lineage, err := v.Lineage(d.ID())
	require.NoError(t, err)
	assert.Len(t, lineage, 2)

	var unknown *UnknownNodeError
	_, err = v.Resolve("missing")
	assert.True(t, errors.As(err, &unknown))
}

func TestView_ZeroValueIsEmpty(t *testing.T) {
	var v View
	assert.Zero(t, v.Len())
	assert.Empty(t, v.Nodes())
	assert.Empty(t, v.Calls())
	assert.NoError(t, v.Validate())

	var unknown *UnknownNodeError
	_, err := v.Lineage("n1")
	assert.True(t, errors.As(err, &unknown))
	_, err = v.CapabilitiesOf("n1")
	assert.True(t, errors.As(err, &unknown))
}

func TestProperty_DerivedGraphsStayAcyclicAndMonotone(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	pool := []capability.Capability{capability.Literal, capability.UserInput, capability.TrustedEmail, capability.Sanitized}

	properties.Property("random derivations respect intersection and topological order", prop.ForAll(
		func(masks []uint8, picks []uint8) bool {
			g := NewGraph(nil)
			var ids []NodeID
			for _, m := range masks {
				caps := capability.New()
				for i, c := range pool {
					if m&(1<<i) != 0 {
						caps = caps.With(c)
					}
				}
				n, err := g.CreateSourceNode(m, caps, SourceOptions{})
				if err != nil {
					return false
				}
				ids = append(ids, n.ID())
			}
			if len(ids) == 0 {
				return true
			}
			for i, p := range picks {
				parents := []NodeID{ids[int(p)%len(ids)], ids[i%len(ids)]}
				d, err := g.DeriveNode(Derivation{Parents: parents, Value: i})
				if err != nil {
					return false
				}
				var want []capability.Set
				for _, pid := range parents {
					c, _ := g.CapabilitiesOf(pid)
					want = append(want, c)
				}
				if !d.Capabilities().Equal(capability.IntersectAll(want...)) {
					return false
				}
				ids = append(ids, d.ID())
			}
			return g.Validate() == nil
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

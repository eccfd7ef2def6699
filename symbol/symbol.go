// Package symbol implements the symbolic computation graph that converted
// models are expressed in. Operators are looked up by name in a per-graph
// registry; every construction call produces a new Symbol with a generated,
// graph-unique output name.
package symbol

import (
	"fmt"

	"github.com/tsawler/go-darknet/tensor"
)

// Attrs is the keyword-style attribute bag accepted by operator constructors.
type Attrs map[string]interface{}

// Node is a single operator instance in the graph.
type Node struct {
	Op      string
	Name    string
	Inputs  []*Symbol
	Attrs   Attrs
	Init    *tensor.Tensor // variables only
	Outputs int
}

// Symbol is a handle to one output of a node.
type Symbol struct {
	node  *Node
	index int
}

// Op returns the operator name of the underlying node.
func (s *Symbol) Op() string { return s.node.Op }

// Name returns the generated node name, e.g. "conv2d0".
func (s *Symbol) Name() string { return s.node.Name }

// Inputs returns the node's input symbols.
func (s *Symbol) Inputs() []*Symbol { return s.node.Inputs }

// Attrs returns the node's attribute bag. Callers must not mutate it.
func (s *Symbol) Attrs() Attrs { return s.node.Attrs }

// Index returns which of the node's outputs this symbol refers to.
func (s *Symbol) Index() int { return s.index }

// NumOutputs returns how many outputs the underlying node produces.
func (s *Symbol) NumOutputs() int { return s.node.Outputs }

// IsVariable reports whether the symbol is a graph input variable.
func (s *Symbol) IsVariable() bool { return s.node.Op == "variable" }

// InitValue returns the baked initializer of a variable, or nil.
func (s *Symbol) InitValue() *tensor.Tensor { return s.node.Init }

// Output returns the symbol for output i of the underlying node.
func (s *Symbol) Output(i int) (*Symbol, error) {
	if i < 0 || i >= s.node.Outputs {
		return nil, fmt.Errorf("node %s has %d outputs, index %d out of range", s.node.Name, s.node.Outputs, i)
	}
	return &Symbol{node: s.node, index: i}, nil
}

// OutputName returns the generated name of this output. Variables are named
// by their declared name; operator outputs append an "_output" suffix, with
// the output index for multi-output nodes.
func (s *Symbol) OutputName() string {
	switch {
	case s.IsVariable():
		return s.node.Name
	case s.node.Op == "group":
		return s.node.Inputs[0].OutputName()
	case s.node.Outputs > 1:
		return fmt.Sprintf("%s_output%d", s.node.Name, s.index)
	default:
		return s.node.Name + "_output"
	}
}

// ListOutputNames returns the output names of the symbol. For a group this
// is the flattened list of every member's output name, in group order.
func (s *Symbol) ListOutputNames() []string {
	if s.node.Op == "group" {
		names := make([]string, 0, len(s.node.Inputs))
		for _, in := range s.node.Inputs {
			names = append(names, in.OutputName())
		}
		return names
	}
	return []string{s.OutputName()}
}

func (s *Symbol) String() string {
	return fmt.Sprintf("Symbol(%s)", s.OutputName())
}

// OpFunc constructs a node from positional inputs plus an attribute bag.
type OpFunc func(inputs []*Symbol, attrs Attrs) (*Symbol, error)

// opSpec describes a registered operator.
type opSpec struct {
	// arity is the required input count; -1 accepts any non-zero count.
	arity int
	// outputs computes the node's output count from its attributes.
	outputs func(attrs Attrs) int
}

func oneOutput(Attrs) int { return 1 }

// registry is the closed set of operators the graph supports.
var registry = map[string]opSpec{
	"conv2d":             {1, oneOutput},
	"conv2d_transpose":   {1, oneOutput},
	"dense":              {1, oneOutput},
	"max_pool2d":         {1, oneOutput},
	"avg_pool2d":         {1, oneOutput},
	"batch_norm":         {1, oneOutput},
	"darknet_batch_norm": {1, oneOutput},
	"dropout":            {1, oneOutput},
	"reshape":            {1, oneOutput},
	"flatten":            {1, oneOutput},
	"softmax":            {1, oneOutput},
	"sigmoid":            {1, oneOutput},
	"tanh":               {1, oneOutput},
	"relu":               {1, oneOutput},
	"exp":                {1, oneOutput},
	"leaky_relu":         {1, oneOutput},
	"pad":                {1, oneOutput},
	"upsampling":         {1, oneOutput},
	"l2_normalize":       {1, oneOutput},
	"yolo_reorg":         {1, oneOutput},
	"concatenate":        {-1, oneOutput},
	"elemwise_add":       {2, oneOutput},
	"elemwise_mul":       {2, oneOutput},
	"mul_scalar":         {1, oneOutput},
	"div_scalar":         {1, oneOutput},
	"rsub_scalar":        {1, oneOutput},
	"split": {1, func(attrs Attrs) int {
		if v, ok := attrs["indices"].([]int); ok {
			return len(v) + 1
		}
		return 1
	}},
}

// Graph owns node naming for one model. Counters are graph-scoped so that
// independent graphs built concurrently never share naming state.
type Graph struct {
	counters  map[string]int
	nodes     []*Node
	variables map[string]*Symbol
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		counters:  make(map[string]int),
		variables: make(map[string]*Symbol),
	}
}

// Nodes returns every node added to the graph, in construction order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Op looks up an operator constructor by name.
func (g *Graph) Op(name string) (OpFunc, error) {
	spec, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("operator %q is not registered", name)
	}
	return func(inputs []*Symbol, attrs Attrs) (*Symbol, error) {
		if len(inputs) == 0 {
			return nil, fmt.Errorf("operator %q requires at least one input", name)
		}
		if spec.arity > 0 && len(inputs) != spec.arity {
			return nil, fmt.Errorf("operator %q requires %d inputs, got %d", name, spec.arity, len(inputs))
		}
		if attrs == nil {
			attrs = Attrs{}
		}
		node := &Node{
			Op:      name,
			Name:    g.nextName(name),
			Inputs:  inputs,
			Attrs:   attrs,
			Outputs: spec.outputs(attrs),
		}
		g.nodes = append(g.nodes, node)
		return &Symbol{node: node}, nil
	}, nil
}

// Variable declares a named graph input. A non-nil init bakes an initial
// value into the graph, which the runtime feeds when no caller-supplied
// value is bound.
func (g *Graph) Variable(name string, init *tensor.Tensor) (*Symbol, error) {
	if name == "" {
		return nil, fmt.Errorf("variable name must not be empty")
	}
	if _, exists := g.variables[name]; exists {
		return nil, fmt.Errorf("variable %q already declared", name)
	}
	node := &Node{
		Op:      "variable",
		Name:    name,
		Init:    init,
		Outputs: 1,
	}
	g.nodes = append(g.nodes, node)
	sym := &Symbol{node: node}
	g.variables[name] = sym
	return sym, nil
}

// Group bundles several symbols into one multi-output symbol, preserving
// order.
func (g *Graph) Group(syms []*Symbol) (*Symbol, error) {
	if len(syms) == 0 {
		return nil, fmt.Errorf("cannot group zero symbols")
	}
	node := &Node{
		Op:      "group",
		Name:    g.nextName("group"),
		Inputs:  syms,
		Outputs: len(syms),
	}
	g.nodes = append(g.nodes, node)
	return &Symbol{node: node}, nil
}

func (g *Graph) nextName(op string) string {
	n := g.counters[op]
	g.counters[op]++
	return fmt.Sprintf("%s%d", op, n)
}

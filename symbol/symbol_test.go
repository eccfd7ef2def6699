package symbol

import (
	"testing"

	"github.com/tsawler/go-darknet/tensor"
)

func TestOpNaming(t *testing.T) {
	g := NewGraph()
	data, err := g.Variable("data", nil)
	if err != nil {
		t.Fatalf("Variable failed: %v", err)
	}

	conv, err := g.Op("conv2d")
	if err != nil {
		t.Fatalf("Op lookup failed: %v", err)
	}

	first, err := conv([]*Symbol{data}, Attrs{"channels": 8, "kernel_size": []int{3, 3}})
	if err != nil {
		t.Fatalf("conv2d failed: %v", err)
	}
	second, err := conv([]*Symbol{first}, Attrs{"channels": 8, "kernel_size": []int{3, 3}})
	if err != nil {
		t.Fatalf("conv2d failed: %v", err)
	}

	if first.OutputName() != "conv2d0_output" {
		t.Errorf("Expected conv2d0_output, got %s", first.OutputName())
	}
	if second.OutputName() != "conv2d1_output" {
		t.Errorf("Expected conv2d1_output, got %s", second.OutputName())
	}
	if data.OutputName() != "data" {
		t.Errorf("Variable output name should be its own name, got %s", data.OutputName())
	}
}

func TestGraphScopedCounters(t *testing.T) {
	// Two graphs must never share naming state.
	for i := 0; i < 2; i++ {
		g := NewGraph()
		data, _ := g.Variable("data", nil)
		relu, _ := g.Op("relu")
		sym, err := relu([]*Symbol{data}, nil)
		if err != nil {
			t.Fatalf("relu failed: %v", err)
		}
		if sym.Name() != "relu0" {
			t.Errorf("Graph %d: expected relu0, got %s", i, sym.Name())
		}
	}
}

func TestUnknownOperator(t *testing.T) {
	g := NewGraph()
	if _, err := g.Op("does_not_exist"); err == nil {
		t.Fatal("Expected error for unknown operator, got nil")
	}
}

func TestDuplicateVariable(t *testing.T) {
	g := NewGraph()
	if _, err := g.Variable("state", nil); err != nil {
		t.Fatalf("Variable failed: %v", err)
	}
	if _, err := g.Variable("state", nil); err == nil {
		t.Fatal("Expected error declaring variable twice, got nil")
	}
}

func TestGroupOutputNames(t *testing.T) {
	g := NewGraph()
	data, _ := g.Variable("data", nil)
	relu, _ := g.Op("relu")
	a, _ := relu([]*Symbol{data}, nil)
	b, _ := relu([]*Symbol{a}, nil)

	grp, err := g.Group([]*Symbol{b, a})
	if err != nil {
		t.Fatalf("Group failed: %v", err)
	}
	names := grp.ListOutputNames()
	if len(names) != 2 || names[0] != "relu1_output" || names[1] != "relu0_output" {
		t.Errorf("Unexpected group output names: %v", names)
	}
}

func TestInferShapeConv2D(t *testing.T) {
	g := NewGraph()
	data, _ := g.Variable("data", nil)
	conv, _ := g.Op("conv2d")
	sym, err := conv([]*Symbol{data}, Attrs{
		"channels":    16,
		"kernel_size": []int{3, 3},
		"strides":     []int{2, 2},
		"padding":     []int{1, 1},
	})
	if err != nil {
		t.Fatalf("conv2d failed: %v", err)
	}

	shape, err := sym.InferShape(map[string][]int{"data": {1, 3, 28, 28}})
	if err != nil {
		t.Fatalf("InferShape failed: %v", err)
	}
	// (28 - 3 + 2*1)/2 + 1 = 14
	want := []int{1, 16, 14, 14}
	for i := range want {
		if shape[i] != want[i] {
			t.Fatalf("Expected shape %v, got %v", want, shape)
		}
	}
}

func TestInferShapePadAndPool(t *testing.T) {
	g := NewGraph()
	data, _ := g.Variable("data", nil)

	pad, _ := g.Op("pad")
	padded, err := pad([]*Symbol{data}, Attrs{
		"pad_width": [][2]int{{0, 0}, {0, 0}, {0, 2}, {0, 2}},
		"pad_value": float64(-1),
	})
	if err != nil {
		t.Fatalf("pad failed: %v", err)
	}

	pool, _ := g.Op("max_pool2d")
	sym, err := pool([]*Symbol{padded}, Attrs{
		"pool_size": []int{3, 3},
		"strides":   []int{2, 2},
		"padding":   []int{0, 0},
	})
	if err != nil {
		t.Fatalf("max_pool2d failed: %v", err)
	}

	shape, err := sym.InferShape(map[string][]int{"data": {1, 512, 13, 13}})
	if err != nil {
		t.Fatalf("InferShape failed: %v", err)
	}
	// Padded to 15x15, then (15-3)/2 + 1 = 7.
	want := []int{1, 512, 7, 7}
	for i := range want {
		if shape[i] != want[i] {
			t.Fatalf("Expected shape %v, got %v", want, shape)
		}
	}
}

func TestInferShapeSplitConcat(t *testing.T) {
	g := NewGraph()
	data, _ := g.Variable("data", nil)

	reshape, _ := g.Op("reshape")
	block, _ := reshape([]*Symbol{data}, Attrs{"shape": []int{1, 5, 25, 13, 13}})

	split, _ := g.Op("split")
	parts, err := split([]*Symbol{block}, Attrs{"indices": []int{2, 4, 5}, "axis": 2})
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if parts.NumOutputs() != 4 {
		t.Fatalf("Expected 4 split outputs, got %d", parts.NumOutputs())
	}

	given := map[string][]int{"data": {1, 125, 13, 13}}
	last, _ := parts.Output(3)
	shape, err := last.InferShape(given)
	if err != nil {
		t.Fatalf("InferShape failed: %v", err)
	}
	if shape[2] != 20 {
		t.Errorf("Expected last segment size 20 on axis 2, got %d", shape[2])
	}

	p0, _ := parts.Output(0)
	p1, _ := parts.Output(1)
	concat, _ := g.Op("concatenate")
	joined, err := concat([]*Symbol{p0, p1}, Attrs{"axis": 2})
	if err != nil {
		t.Fatalf("concatenate failed: %v", err)
	}
	shape, err = joined.InferShape(given)
	if err != nil {
		t.Fatalf("InferShape failed: %v", err)
	}
	if shape[2] != 4 {
		t.Errorf("Expected concatenated size 4 on axis 2, got %d", shape[2])
	}
}

func TestVariableInitShape(t *testing.T) {
	g := NewGraph()
	init, err := tensor.Zeros([]int{1, 256}, tensor.Float32)
	if err != nil {
		t.Fatalf("Zeros failed: %v", err)
	}
	state, err := g.Variable("rnn0_state", init)
	if err != nil {
		t.Fatalf("Variable failed: %v", err)
	}

	shape, err := state.InferShape(nil)
	if err != nil {
		t.Fatalf("InferShape failed: %v", err)
	}
	if shape[0] != 1 || shape[1] != 256 {
		t.Errorf("Expected [1 256], got %v", shape)
	}
}

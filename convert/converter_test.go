package convert

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/tsawler/go-darknet/darknet"
	"github.com/tsawler/go-darknet/symbol"
)

func newTestConverter(t *testing.T) (*Converter, *symbol.Symbol) {
	t.Helper()
	g := symbol.NewGraph()
	data, err := g.Variable("data", nil)
	if err != nil {
		t.Fatalf("creating data variable: %v", err)
	}
	return NewConverter(g), data
}

func TestConvolutionLeaky(t *testing.T) {
	c, data := newTestConverter(t)

	sym, names, err := c.Convert(darknet.Convolutional, []*symbol.Symbol{data}, Attrs{
		"kernel":     []int{3},
		"num_filter": 4,
		"stride":     1,
		"pad":        1,
		"activation": darknet.Leaky,
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got := sym.OutputName(); got != "leaky_relu0_output" {
		t.Errorf("output name = %q, want leaky_relu0_output", got)
	}
	if names[0] != "conv2d0" {
		t.Errorf("names[0] = %q, want conv2d0", names[0])
	}

	shape, err := sym.InferShape(map[string][]int{"data": {1, 3, 13, 13}})
	if err != nil {
		t.Fatalf("infer shape: %v", err)
	}
	if want := []int{1, 4, 13, 13}; !reflect.DeepEqual(shape, want) {
		t.Errorf("shape = %v, want %v", shape, want)
	}
}

func TestConvolutionBatchNormNames(t *testing.T) {
	c, data := newTestConverter(t)

	sym, names, err := c.Convert(darknet.Convolutional, []*symbol.Symbol{data}, Attrs{
		"kernel":        []int{3},
		"num_filter":    4,
		"activation":    darknet.Linear,
		"use_batchNorm": true,
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if names[0] != "conv2d0" || names[1] != "batch_norm0" {
		t.Errorf("names = %v, want conv2d0 and batch_norm0", names)
	}

	// With fused batch norm the convolution carries no bias.
	conv := sym.Inputs()[0]
	if conv.Op() != "conv2d" {
		t.Fatalf("batch_norm input op = %q, want conv2d", conv.Op())
	}
	if useBias, _ := conv.Attrs()["use_bias"].(bool); useBias {
		t.Error("conv2d keeps use_bias under fused batch norm")
	}
	if eps, _ := sym.Attrs()["epsilon"].(float64); eps != 1e-6 {
		t.Errorf("batch norm epsilon = %v, want 1e-6", eps)
	}
}

func TestLinearActivationIsIdentity(t *testing.T) {
	c, data := newTestConverter(t)

	sym, _, err := c.Convert(darknet.Convolutional, []*symbol.Symbol{data}, Attrs{
		"kernel":     []int{1},
		"num_filter": 8,
		"activation": darknet.Linear,
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got := sym.OutputName(); got != "conv2d0_output" {
		t.Errorf("output name = %q, want conv2d0_output (no activation node)", got)
	}
}

func TestMaxPoolingExtraPad(t *testing.T) {
	c, data := newTestConverter(t)

	sym, _, err := c.Convert(darknet.Maxpool, []*symbol.Symbol{data}, Attrs{
		"kernel":         []int{3},
		"stride":         2,
		"pad":            0,
		"extra_pad_size": 2,
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	pad := sym.Inputs()[0]
	if pad.Op() != "pad" {
		t.Fatalf("pool input op = %q, want pad", pad.Op())
	}
	width, _ := pad.Attrs()["pad_width"].([][2]int)
	if want := [][2]int{{0, 0}, {0, 0}, {0, 2}, {0, 2}}; !reflect.DeepEqual(width, want) {
		t.Errorf("pad_width = %v, want %v", width, want)
	}
	if v, _ := pad.Attrs()["pad_value"].(float64); v != float64(-math.MaxFloat32) {
		t.Errorf("pad_value = %v, want -math.MaxFloat32", v)
	}

	shape, err := sym.InferShape(map[string][]int{"data": {1, 3, 13, 13}})
	if err != nil {
		t.Fatalf("infer shape: %v", err)
	}
	if want := []int{1, 3, 7, 7}; !reflect.DeepEqual(shape, want) {
		t.Errorf("shape = %v, want %v", shape, want)
	}
}

func TestShortcutAlignsSecondaryBranch(t *testing.T) {
	g := symbol.NewGraph()
	primary, err := g.Variable("primary", nil)
	if err != nil {
		t.Fatal(err)
	}
	secondary, err := g.Variable("secondary", nil)
	if err != nil {
		t.Fatal(err)
	}
	c := NewConverter(g)

	sym, _, err := c.Convert(darknet.Shortcut, []*symbol.Symbol{primary, secondary}, Attrs{
		"out_channel":     32,
		"add_out_channel": 16,
		"out_size":        26,
		"add_out_size":    13,
		"activation":      darknet.Linear,
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if sym.Op() != "elemwise_add" {
		t.Fatalf("result op = %q, want elemwise_add", sym.Op())
	}

	pad := sym.Inputs()[1]
	if pad.Op() != "pad" {
		t.Fatalf("secondary top op = %q, want pad", pad.Op())
	}
	width, _ := pad.Attrs()["pad_width"].([][2]int)
	if want := [][2]int{{0, 0}, {0, 16}, {0, 0}, {0, 0}}; !reflect.DeepEqual(width, want) {
		t.Errorf("channel pad_width = %v, want %v", width, want)
	}
	up := pad.Inputs()[0]
	if up.Op() != "upsampling" {
		t.Fatalf("op below pad = %q, want upsampling", up.Op())
	}
	if scale, _ := up.Attrs()["scale"].(int); scale != 2 {
		t.Errorf("upsampling scale = %d, want 2", scale)
	}

	shape, err := sym.InferShape(map[string][]int{
		"primary":   {1, 32, 26, 26},
		"secondary": {1, 16, 13, 13},
	})
	if err != nil {
		t.Fatalf("infer shape: %v", err)
	}
	if want := []int{1, 32, 26, 26}; !reflect.DeepEqual(shape, want) {
		t.Errorf("shape = %v, want %v", shape, want)
	}
}

func TestShortcutDownsamplesSecondaryBranch(t *testing.T) {
	g := symbol.NewGraph()
	primary, _ := g.Variable("primary", nil)
	secondary, _ := g.Variable("secondary", nil)
	c := NewConverter(g)

	sym, _, err := c.Convert(darknet.Shortcut, []*symbol.Symbol{primary, secondary}, Attrs{
		"out_channel":     16,
		"add_out_channel": 16,
		"out_size":        13,
		"add_out_size":    26,
		"activation":      darknet.Linear,
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	pool := sym.Inputs()[1]
	if pool.Op() != "avg_pool2d" {
		t.Fatalf("secondary top op = %q, want avg_pool2d", pool.Op())
	}
	strides, _ := pool.Attrs()["strides"].([]int)
	if want := []int{2, 2}; !reflect.DeepEqual(strides, want) {
		t.Errorf("strides = %v, want %v", strides, want)
	}
}

func TestShortcutRejectsWiderSecondary(t *testing.T) {
	g := symbol.NewGraph()
	primary, _ := g.Variable("primary", nil)
	secondary, _ := g.Variable("secondary", nil)
	c := NewConverter(g)

	_, _, err := c.Convert(darknet.Shortcut, []*symbol.Symbol{primary, secondary}, Attrs{
		"out_channel":     16,
		"add_out_channel": 32,
		"out_size":        13,
		"add_out_size":    13,
	})
	var invalid *InvalidAttributeError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidAttributeError", err)
	}
}

func TestConvolutionTransposeTargetShape(t *testing.T) {
	c, data := newTestConverter(t)

	_, _, err := c.Convert(darknet.Deconvolutional, []*symbol.Symbol{data}, Attrs{
		"kernel":       []int{3, 3},
		"num_filter":   4,
		"target_shape": []int{26, 26},
	})
	var invalid *InvalidAttributeError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidAttributeError", err)
	}
}

func TestSoftmaxTemperature(t *testing.T) {
	c, data := newTestConverter(t)

	sym, _, err := c.Convert(darknet.Softmax, []*symbol.Symbol{data}, Attrs{
		"temperature": 3.0,
		"use_flatten": true,
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if sym.Op() != "softmax" {
		t.Fatalf("result op = %q, want softmax", sym.Op())
	}
	flat := sym.Inputs()[0]
	if flat.Op() != "flatten" {
		t.Fatalf("softmax input op = %q, want flatten", flat.Op())
	}
	div := flat.Inputs()[0]
	if div.Op() != "div_scalar" {
		t.Fatalf("flatten input op = %q, want div_scalar", div.Op())
	}
	if s, _ := div.Attrs()["scalar"].(float64); s != 3.0 {
		t.Errorf("scalar = %v, want 3", s)
	}
}

func TestELUComposition(t *testing.T) {
	c, data := newTestConverter(t)

	sym, _, err := c.activations([]*symbol.Symbol{data}, Attrs{"activation": darknet.ELU})
	if err != nil {
		t.Fatalf("activations: %v", err)
	}
	if sym.Op() != "elemwise_add" {
		t.Fatalf("result op = %q, want elemwise_add", sym.Op())
	}
	neg, pos := sym.Inputs()[0], sym.Inputs()[1]
	if neg.Op() != "mul_scalar" || pos.Op() != "relu" {
		t.Errorf("branch ops = %q, %q; want mul_scalar and relu", neg.Op(), pos.Op())
	}
	if relu := neg.Inputs()[0]; relu.Op() != "relu" || relu.Inputs()[0].Op() != "rsub_scalar" {
		t.Error("negative branch is not relu(1 - exp(x))")
	}
}

func TestRegionStructure(t *testing.T) {
	c, data := newTestConverter(t)

	sym, _, err := c.Convert(darknet.Region, []*symbol.Symbol{data}, Attrs{
		"n":       5,
		"classes": 20,
		"coords":  4,
		"softmax": true,
		"shape":   []int{1, 125, 13, 13},
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if sym.Op() != "reshape" {
		t.Fatalf("result op = %q, want reshape", sym.Op())
	}
	shape, err := sym.InferShape(map[string][]int{"data": {1, 125, 13, 13}})
	if err != nil {
		t.Fatalf("infer shape: %v", err)
	}
	if want := []int{1, 125, 13, 13}; !reflect.DeepEqual(shape, want) {
		t.Errorf("shape = %v, want %v", shape, want)
	}

	concat := sym.Inputs()[0]
	if concat.Op() != "concatenate" {
		t.Fatalf("reshape input op = %q, want concatenate", concat.Op())
	}
	if n := len(concat.Inputs()); n != 4 {
		t.Fatalf("concatenate has %d inputs, want 4", n)
	}
	ops := make([]string, 4)
	for i, in := range concat.Inputs() {
		ops[i] = in.Op()
	}
	if want := []string{"sigmoid", "split", "sigmoid", "softmax"}; !reflect.DeepEqual(ops, want) {
		t.Errorf("segment ops = %v, want %v", ops, want)
	}
	// Every transformed segment must feed from the split, never from itself.
	for _, i := range []int{0, 2, 3} {
		seg := concat.Inputs()[i]
		if len(seg.Inputs()) != 1 {
			t.Errorf("segment %d (%s) has %d inputs, want 1", i, seg.Op(), len(seg.Inputs()))
			continue
		}
		if in := seg.Inputs()[0]; in.Op() != "split" {
			t.Errorf("segment %d (%s) input op = %q, want split", i, seg.Op(), in.Op())
		} else if in.Name() == seg.Name() {
			t.Errorf("segment %d node %s is its own input", i, seg.Name())
		}
	}
}

func TestYOLOStructure(t *testing.T) {
	c, data := newTestConverter(t)

	sym, _, err := c.Convert(darknet.YOLO, []*symbol.Symbol{data}, Attrs{
		"n":       3,
		"classes": 80,
		"shape":   []int{1, 255, 13, 13},
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if sym.Op() != "reshape" {
		t.Fatalf("result op = %q, want reshape", sym.Op())
	}

	concat := sym.Inputs()[0]
	if concat.Op() != "concatenate" {
		t.Fatalf("reshape input op = %q, want concatenate", concat.Op())
	}
	ops := make([]string, len(concat.Inputs()))
	for i, in := range concat.Inputs() {
		ops[i] = in.Op()
	}
	if want := []string{"sigmoid", "split", "sigmoid"}; !reflect.DeepEqual(ops, want) {
		t.Errorf("segment ops = %v, want %v", ops, want)
	}
	for _, i := range []int{0, 2} {
		seg := concat.Inputs()[i]
		if len(seg.Inputs()) != 1 {
			t.Errorf("segment %d (%s) has %d inputs, want 1", i, seg.Op(), len(seg.Inputs()))
			continue
		}
		if in := seg.Inputs()[0]; in.Op() != "split" {
			t.Errorf("segment %d input op = %q, want split", i, in.Op())
		} else if in.Name() == seg.Name() {
			t.Errorf("segment %d node %s is its own input", i, seg.Name())
		}
	}

	shape, err := sym.InferShape(map[string][]int{"data": {1, 255, 13, 13}})
	if err != nil {
		t.Fatalf("infer shape: %v", err)
	}
	if want := []int{1, 255, 13, 13}; !reflect.DeepEqual(shape, want) {
		t.Errorf("shape = %v, want %v", shape, want)
	}
}

func TestUnsupportedKind(t *testing.T) {
	c, data := newTestConverter(t)

	_, _, err := c.Convert(darknet.Crop, []*symbol.Symbol{data}, Attrs{})
	var unsupported *UnsupportedOperatorError
	if !errors.As(err, &unsupported) {
		t.Fatalf("err = %v, want UnsupportedOperatorError", err)
	}
	if unsupported.Kind != "Crop" {
		t.Errorf("Kind = %q, want Crop", unsupported.Kind)
	}
}

package export

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX wire constants. The encoder writes the protobuf messages directly
// with protowire, so the field numbers below mirror onnx.proto.
const (
	onnxIRVersion   = 7
	onnxOpsetDomain = ""
	onnxOpsetVer    = 13

	// TensorProto.DataType
	onnxFloat = 1
	onnxInt32 = 6
	onnxInt64 = 7

	// AttributeProto.AttributeType
	attrFloat  = 1
	attrInt    = 2
	attrString = 3
	attrFloats = 6
	attrInts   = 7
)

type onnxAttr struct {
	name   string
	typ    int
	i      int64
	f      float32
	s      string
	ints   []int64
	floats []float32
}

type onnxNode struct {
	name    string
	opType  string
	inputs  []string
	outputs []string
	attrs   []onnxAttr
}

type onnxTensor struct {
	name     string
	dims     []int64
	dataType int32
	floats   []float32
	int32s   []int32
	int64s   []int64
}

type onnxValueInfo struct {
	name     string
	elemType int32
}

type onnxGraph struct {
	name         string
	nodes        []onnxNode
	initializers []onnxTensor
	inputs       []onnxValueInfo
	outputs      []onnxValueInfo
}

// ONNXExporter handles conversion of converted checkpoints to ONNX format
type ONNXExporter struct{}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX converts a checkpoint to ONNX format
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to build ONNX graph: %v", err)
	}

	data := appendModel(nil, graph)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %v", err)
	}
	return nil
}

// buildONNXGraph creates the ONNX computation graph from a checkpoint
func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) (*onnxGraph, error) {
	graph := &onnxGraph{name: "go-darknet-model"}

	// Create weight map for easy lookup
	weightMap := make(map[string]WeightTensor)
	for _, weight := range checkpoint.Weights {
		weightMap[weight.Name] = weight
	}

	for _, node := range checkpoint.Graph.Nodes {
		if node.Op == "variable" {
			switch {
			case node.Init != nil:
				graph.initializers = append(graph.initializers, initTensorProto(node.Name, node.Init))
			default:
				if weight, ok := weightMap[node.Name]; ok {
					graph.initializers = append(graph.initializers, weightTensorProto(weight))
				} else {
					graph.inputs = append(graph.inputs, onnxValueInfo{name: node.Name, elemType: onnxFloat})
				}
			}
			continue
		}

		nodes, initializers, err := oe.convertNode(node, weightMap)
		if err != nil {
			return nil, fmt.Errorf("failed to create ONNX node for %s: %v", node.Name, err)
		}
		graph.nodes = append(graph.nodes, nodes...)
		graph.initializers = append(graph.initializers, initializers...)
	}

	for _, out := range checkpoint.Graph.Outputs {
		elem := int32(onnxFloat)
		if w, ok := weightMap[out]; ok && w.IntData != nil {
			elem = onnxInt32
		}
		graph.outputs = append(graph.outputs, onnxValueInfo{name: out, elemType: elem})
	}
	return graph, nil
}

// convertNode maps one graph node to its ONNX counterpart, pulling any
// parameters it owns in as extra inputs backed by initializers.
func (oe *ONNXExporter) convertNode(node NodeSpec, weightMap map[string]WeightTensor) ([]onnxNode, []onnxTensor, error) {
	out := onnxNode{
		name:    node.Name,
		inputs:  append([]string{}, node.Inputs...),
		outputs: []string{node.Name + "_output"},
	}
	var initializers []onnxTensor

	addParam := func(role string) bool {
		key := node.Name + "_" + role
		if _, ok := weightMap[key]; !ok {
			return false
		}
		out.inputs = append(out.inputs, key)
		return true
	}

	switch node.Op {
	case "conv2d", "conv2d_transpose":
		out.opType = "Conv"
		if node.Op == "conv2d_transpose" {
			out.opType = "ConvTranspose"
		}
		out.attrs = append(out.attrs,
			intsAttr("kernel_shape", node.Attrs["kernel_size"]),
			intsAttr("strides", node.Attrs["strides"]),
			padsAttr(node.Attrs["padding"]),
			intAttr("group", node.Attrs["groups"], 1),
		)
		addParam("weight")
		addParam("bias")

	case "dense":
		out.opType = "Gemm"
		out.attrs = append(out.attrs, onnxAttr{name: "transB", typ: attrInt, i: 1})
		addParam("weight")
		addParam("bias")

	case "batch_norm", "darknet_batch_norm":
		out.opType = "BatchNormalization"
		out.attrs = append(out.attrs, floatAttr("epsilon", node.Attrs["epsilon"], 1e-6))
		for _, role := range []string{"gamma", "beta", "moving_mean", "moving_var"} {
			if !addParam(role) {
				return nil, nil, fmt.Errorf("missing %s parameter for %s", role, node.Name)
			}
		}

	case "max_pool2d", "avg_pool2d":
		out.opType = "MaxPool"
		if node.Op == "avg_pool2d" {
			out.opType = "AveragePool"
		}
		out.attrs = append(out.attrs,
			intsAttr("kernel_shape", node.Attrs["pool_size"]),
			intsAttr("strides", node.Attrs["strides"]),
			padsAttr(node.Attrs["padding"]),
		)

	case "relu":
		out.opType = "Relu"
	case "sigmoid":
		out.opType = "Sigmoid"
	case "tanh":
		out.opType = "Tanh"
	case "exp":
		out.opType = "Exp"
	case "leaky_relu":
		out.opType = "LeakyRelu"
		out.attrs = append(out.attrs, floatAttr("alpha", node.Attrs["alpha"], 0.1))
	case "softmax":
		out.opType = "Softmax"
		out.attrs = append(out.attrs, intAttr("axis", node.Attrs["axis"], -1))
	case "flatten":
		out.opType = "Flatten"
	case "dropout":
		out.opType = "Dropout"
		out.attrs = append(out.attrs, floatAttr("ratio", node.Attrs["rate"], 0.5))
	case "elemwise_add":
		out.opType = "Add"
	case "elemwise_mul":
		out.opType = "Mul"
	case "concatenate":
		out.opType = "Concat"
		out.attrs = append(out.attrs, intAttr("axis", node.Attrs["axis"], 1))

	case "reshape":
		out.opType = "Reshape"
		shape, ok := asInt64s(node.Attrs["shape"])
		if !ok {
			return nil, nil, fmt.Errorf("reshape node %s has no shape", node.Name)
		}
		shapeName := node.Name + "_shape"
		initializers = append(initializers, onnxTensor{
			name:     shapeName,
			dims:     []int64{int64(len(shape))},
			dataType: onnxInt64,
			int64s:   shape,
		})
		out.inputs = append(out.inputs, shapeName)

	case "split":
		out.opType = "Split"
		indices, _ := asInt64s(node.Attrs["indices"])
		out.attrs = append(out.attrs, intAttr("axis", node.Attrs["axis"], 0))
		// ONNX wants segment lengths, the graph records split points.
		// Without the input extent the last segment length is unknown, so
		// only the axis is emitted and consumers recover lengths from use.
		numOutputs := len(indices) + 1
		out.outputs = nil
		for i := 0; i < numOutputs; i++ {
			out.outputs = append(out.outputs, fmt.Sprintf("%s_output%d", node.Name, i))
		}

	case "pad":
		out.opType = "Pad"
		widths, ok := asPadWidths(node.Attrs["pad_width"])
		if !ok {
			return nil, nil, fmt.Errorf("pad node %s has no pad_width", node.Name)
		}
		// ONNX pads layout: all leading amounts, then all trailing amounts.
		pads := make([]int64, 0, 2*len(widths))
		for _, w := range widths {
			pads = append(pads, w[0])
		}
		for _, w := range widths {
			pads = append(pads, w[1])
		}
		out.attrs = append(out.attrs,
			onnxAttr{name: "pads", typ: attrInts, ints: pads},
			floatAttr("value", node.Attrs["pad_value"], 0),
			onnxAttr{name: "mode", typ: attrString, s: "constant"},
		)

	case "upsampling":
		out.opType = "Upsample"
		scale, _ := asInt64(node.Attrs["scale"])
		out.attrs = append(out.attrs, onnxAttr{
			name: "scales", typ: attrFloats,
			floats: []float32{1, 1, float32(scale), float32(scale)},
		})

	case "yolo_reorg":
		out.opType = "SpaceToDepth"
		out.attrs = append(out.attrs, intAttr("blocksize", node.Attrs["stride"], 1))

	case "l2_normalize":
		out.opType = "LpNormalization"
		out.attrs = append(out.attrs,
			intAttr("axis", node.Attrs["axis"], 1),
			onnxAttr{name: "p", typ: attrInt, i: 2},
		)

	case "mul_scalar", "div_scalar", "rsub_scalar":
		scalar, _ := asFloat32(node.Attrs["scalar"])
		scalarName := node.Name + "_scalar"
		initializers = append(initializers, onnxTensor{
			name:     scalarName,
			dataType: onnxFloat,
			floats:   []float32{scalar},
		})
		switch node.Op {
		case "mul_scalar":
			out.opType = "Mul"
			out.inputs = append(out.inputs, scalarName)
		case "div_scalar":
			out.opType = "Div"
			out.inputs = append(out.inputs, scalarName)
		case "rsub_scalar":
			out.opType = "Sub"
			out.inputs = append([]string{scalarName}, out.inputs...)
		}

	default:
		return nil, nil, fmt.Errorf("unsupported operator for ONNX export: %s", node.Op)
	}

	return []onnxNode{out}, initializers, nil
}

func initTensorProto(name string, init *TensorSpec) onnxTensor {
	t := onnxTensor{name: name}
	for _, d := range init.Shape {
		t.dims = append(t.dims, int64(d))
	}
	if init.IntData != nil {
		t.dataType = onnxInt32
		t.int32s = init.IntData
	} else {
		t.dataType = onnxFloat
		t.floats = init.Data
	}
	return t
}

func weightTensorProto(w WeightTensor) onnxTensor {
	t := onnxTensor{name: w.Name}
	for _, d := range w.Shape {
		t.dims = append(t.dims, int64(d))
	}
	if w.IntData != nil {
		t.dataType = onnxInt32
		t.int32s = w.IntData
	} else {
		t.dataType = onnxFloat
		t.floats = w.Data
	}
	return t
}

func intAttr(name string, v interface{}, def int64) onnxAttr {
	i, ok := asInt64(v)
	if !ok {
		i = def
	}
	return onnxAttr{name: name, typ: attrInt, i: i}
}

func floatAttr(name string, v interface{}, def float32) onnxAttr {
	f, ok := asFloat32(v)
	if !ok {
		f = def
	}
	return onnxAttr{name: name, typ: attrFloat, f: f}
}

func intsAttr(name string, v interface{}) onnxAttr {
	ints, _ := asInt64s(v)
	return onnxAttr{name: name, typ: attrInts, ints: ints}
}

// padsAttr expands a symmetric [h, w] padding pair into the ONNX
// [top, left, bottom, right] layout.
func padsAttr(v interface{}) onnxAttr {
	p, ok := asInt64s(v)
	if !ok || len(p) != 2 {
		p = []int64{0, 0}
	}
	return onnxAttr{name: "pads", typ: attrInts, ints: []int64{p[0], p[1], p[0], p[1]}}
}

// Attribute values arrive either with their in-memory Go types or, after a
// JSON round trip, as float64 and []interface{}. Both forms are accepted.

func asInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat32(v interface{}) (float32, bool) {
	switch x := v.(type) {
	case float64:
		return float32(x), true
	case float32:
		return x, true
	case int:
		return float32(x), true
	default:
		return 0, false
	}
}

func asInt64s(v interface{}) ([]int64, bool) {
	switch x := v.(type) {
	case []int:
		out := make([]int64, len(x))
		for i, d := range x {
			out[i] = int64(d)
		}
		return out, true
	case []int64:
		return x, true
	case []interface{}:
		out := make([]int64, len(x))
		for i, d := range x {
			n, ok := asInt64(d)
			if !ok {
				return nil, false
			}
			out[i] = n
		}
		return out, true
	default:
		return nil, false
	}
}

func asPadWidths(v interface{}) ([][2]int64, bool) {
	switch x := v.(type) {
	case [][2]int:
		out := make([][2]int64, len(x))
		for i, w := range x {
			out[i] = [2]int64{int64(w[0]), int64(w[1])}
		}
		return out, true
	case []interface{}:
		out := make([][2]int64, len(x))
		for i, pair := range x {
			p, ok := pair.([]interface{})
			if !ok || len(p) != 2 {
				return nil, false
			}
			lo, ok1 := asInt64(p[0])
			hi, ok2 := asInt64(p[1])
			if !ok1 || !ok2 {
				return nil, false
			}
			out[i] = [2]int64{lo, hi}
		}
		return out, true
	default:
		return nil, false
	}
}

// Wire encoding. Field numbers follow onnx.proto.

func appendModel(buf []byte, graph *onnxGraph) []byte {
	buf = protowire.AppendTag(buf, 1, protowire.VarintType) // ir_version
	buf = protowire.AppendVarint(buf, onnxIRVersion)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType) // producer_name
	buf = protowire.AppendString(buf, "go-darknet")
	buf = protowire.AppendTag(buf, 3, protowire.BytesType) // producer_version
	buf = protowire.AppendString(buf, "1.0.0")
	buf = protowire.AppendTag(buf, 5, protowire.VarintType) // model_version
	buf = protowire.AppendVarint(buf, 1)
	buf = protowire.AppendTag(buf, 7, protowire.BytesType) // graph
	buf = protowire.AppendBytes(buf, appendGraph(nil, graph))
	buf = protowire.AppendTag(buf, 8, protowire.BytesType) // opset_import
	buf = protowire.AppendBytes(buf, appendOpset(nil))
	return buf
}

func appendOpset(buf []byte) []byte {
	buf = protowire.AppendTag(buf, 1, protowire.BytesType) // domain
	buf = protowire.AppendString(buf, onnxOpsetDomain)
	buf = protowire.AppendTag(buf, 2, protowire.VarintType) // version
	buf = protowire.AppendVarint(buf, onnxOpsetVer)
	return buf
}

func appendGraph(buf []byte, g *onnxGraph) []byte {
	for _, n := range g.nodes {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType) // node
		buf = protowire.AppendBytes(buf, appendNode(nil, n))
	}
	buf = protowire.AppendTag(buf, 2, protowire.BytesType) // name
	buf = protowire.AppendString(buf, g.name)
	for _, t := range g.initializers {
		buf = protowire.AppendTag(buf, 5, protowire.BytesType) // initializer
		buf = protowire.AppendBytes(buf, appendTensor(nil, t))
	}
	for _, v := range g.inputs {
		buf = protowire.AppendTag(buf, 11, protowire.BytesType) // input
		buf = protowire.AppendBytes(buf, appendValueInfo(nil, v))
	}
	for _, v := range g.outputs {
		buf = protowire.AppendTag(buf, 12, protowire.BytesType) // output
		buf = protowire.AppendBytes(buf, appendValueInfo(nil, v))
	}
	return buf
}

func appendNode(buf []byte, n onnxNode) []byte {
	for _, in := range n.inputs {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType) // input
		buf = protowire.AppendString(buf, in)
	}
	for _, out := range n.outputs {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType) // output
		buf = protowire.AppendString(buf, out)
	}
	buf = protowire.AppendTag(buf, 3, protowire.BytesType) // name
	buf = protowire.AppendString(buf, n.name)
	buf = protowire.AppendTag(buf, 4, protowire.BytesType) // op_type
	buf = protowire.AppendString(buf, n.opType)
	for _, a := range n.attrs {
		buf = protowire.AppendTag(buf, 5, protowire.BytesType) // attribute
		buf = protowire.AppendBytes(buf, appendAttr(nil, a))
	}
	return buf
}

func appendAttr(buf []byte, a onnxAttr) []byte {
	buf = protowire.AppendTag(buf, 1, protowire.BytesType) // name
	buf = protowire.AppendString(buf, a.name)
	switch a.typ {
	case attrFloat:
		buf = protowire.AppendTag(buf, 2, protowire.Fixed32Type) // f
		buf = protowire.AppendFixed32(buf, math.Float32bits(a.f))
	case attrInt:
		buf = protowire.AppendTag(buf, 3, protowire.VarintType) // i
		buf = protowire.AppendVarint(buf, uint64(a.i))
	case attrString:
		buf = protowire.AppendTag(buf, 4, protowire.BytesType) // s
		buf = protowire.AppendString(buf, a.s)
	case attrFloats:
		for _, f := range a.floats {
			buf = protowire.AppendTag(buf, 7, protowire.Fixed32Type) // floats
			buf = protowire.AppendFixed32(buf, math.Float32bits(f))
		}
	case attrInts:
		for _, i := range a.ints {
			buf = protowire.AppendTag(buf, 8, protowire.VarintType) // ints
			buf = protowire.AppendVarint(buf, uint64(i))
		}
	}
	buf = protowire.AppendTag(buf, 20, protowire.VarintType) // type
	buf = protowire.AppendVarint(buf, uint64(a.typ))
	return buf
}

func appendTensor(buf []byte, t onnxTensor) []byte {
	for _, d := range t.dims {
		buf = protowire.AppendTag(buf, 1, protowire.VarintType) // dims
		buf = protowire.AppendVarint(buf, uint64(d))
	}
	buf = protowire.AppendTag(buf, 2, protowire.VarintType) // data_type
	buf = protowire.AppendVarint(buf, uint64(t.dataType))
	for _, f := range t.floats {
		buf = protowire.AppendTag(buf, 4, protowire.Fixed32Type) // float_data
		buf = protowire.AppendFixed32(buf, math.Float32bits(f))
	}
	for _, i := range t.int32s {
		buf = protowire.AppendTag(buf, 5, protowire.VarintType) // int32_data
		buf = protowire.AppendVarint(buf, uint64(uint32(i)))
	}
	for _, i := range t.int64s {
		buf = protowire.AppendTag(buf, 7, protowire.VarintType) // int64_data
		buf = protowire.AppendVarint(buf, uint64(i))
	}
	buf = protowire.AppendTag(buf, 8, protowire.BytesType) // name
	buf = protowire.AppendString(buf, t.name)
	return buf
}

func appendValueInfo(buf []byte, v onnxValueInfo) []byte {
	buf = protowire.AppendTag(buf, 1, protowire.BytesType) // name
	buf = protowire.AppendString(buf, v.name)

	tensorType := protowire.AppendTag(nil, 1, protowire.VarintType) // elem_type
	tensorType = protowire.AppendVarint(tensorType, uint64(v.elemType))
	typ := protowire.AppendTag(nil, 1, protowire.BytesType) // tensor_type
	typ = protowire.AppendBytes(typ, tensorType)

	buf = protowire.AppendTag(buf, 2, protowire.BytesType) // type
	buf = protowire.AppendBytes(buf, typ)
	return buf
}

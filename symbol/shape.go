package symbol

import (
	"fmt"
)

// InferShape computes the output shape of the symbol given shapes for the
// graph's free variables (name → shape). Variables with a baked initializer
// fall back to the initializer's shape when not supplied.
func (s *Symbol) InferShape(given map[string][]int) ([]int, error) {
	memo := make(map[*Node][][]int)
	shapes, err := inferNode(s.node, given, memo)
	if err != nil {
		return nil, err
	}
	return shapes[s.index], nil
}

func inferNode(n *Node, given map[string][]int, memo map[*Node][][]int) ([][]int, error) {
	if shapes, ok := memo[n]; ok {
		return shapes, nil
	}

	inShapes := make([][]int, len(n.Inputs))
	for i, in := range n.Inputs {
		shapes, err := inferNode(in.node, given, memo)
		if err != nil {
			return nil, err
		}
		inShapes[i] = shapes[in.index]
	}

	out, err := inferOp(n, inShapes, given)
	if err != nil {
		return nil, fmt.Errorf("node %s (%s): %w", n.Name, n.Op, err)
	}
	memo[n] = out
	return out, nil
}

func inferOp(n *Node, in [][]int, given map[string][]int) ([][]int, error) {
	single := func(shape []int) [][]int { return [][]int{shape} }

	switch n.Op {
	case "variable":
		if shape, ok := given[n.Name]; ok {
			return single(shape), nil
		}
		if n.Init != nil {
			return single(n.Init.Shape), nil
		}
		return nil, fmt.Errorf("no shape bound for variable %q", n.Name)

	case "group":
		out := make([][]int, len(in))
		copy(out, in)
		return out, nil

	case "conv2d", "conv2d_transpose":
		if len(in[0]) != 4 {
			return nil, fmt.Errorf("requires 4D input, got %v", in[0])
		}
		channels := attrInt(n.Attrs, "channels", 0)
		kernel := attrInts(n.Attrs, "kernel_size")
		strides := attrInts(n.Attrs, "strides")
		padding := attrInts(n.Attrs, "padding")
		if len(kernel) != 2 {
			return nil, fmt.Errorf("kernel_size must be 2D, got %v", kernel)
		}
		if len(strides) != 2 {
			strides = []int{1, 1}
		}
		if len(padding) != 2 {
			padding = []int{0, 0}
		}
		batch, height, width := in[0][0], in[0][2], in[0][3]
		var outH, outW int
		if n.Op == "conv2d" {
			outH = (height+2*padding[0]-kernel[0])/strides[0] + 1
			outW = (width+2*padding[1]-kernel[1])/strides[1] + 1
		} else {
			outPad := attrInts(n.Attrs, "output_padding")
			if len(outPad) != 2 {
				outPad = []int{0, 0}
			}
			outH = (height-1)*strides[0] - 2*padding[0] + kernel[0] + outPad[0]
			outW = (width-1)*strides[1] - 2*padding[1] + kernel[1] + outPad[1]
		}
		return single([]int{batch, channels, outH, outW}), nil

	case "max_pool2d", "avg_pool2d":
		if len(in[0]) != 4 {
			return nil, fmt.Errorf("requires 4D input, got %v", in[0])
		}
		pool := attrInts(n.Attrs, "pool_size")
		strides := attrInts(n.Attrs, "strides")
		padding := attrInts(n.Attrs, "padding")
		if len(pool) != 2 {
			return nil, fmt.Errorf("pool_size must be 2D, got %v", pool)
		}
		if len(strides) != 2 {
			strides = []int{1, 1}
		}
		if len(padding) != 2 {
			padding = []int{0, 0}
		}
		outH := (in[0][2]+2*padding[0]-pool[0])/strides[0] + 1
		outW := (in[0][3]+2*padding[1]-pool[1])/strides[1] + 1
		return single([]int{in[0][0], in[0][1], outH, outW}), nil

	case "dense":
		if len(in[0]) != 2 {
			return nil, fmt.Errorf("requires 2D input, got %v", in[0])
		}
		units := attrInt(n.Attrs, "units", 0)
		return single([]int{in[0][0], units}), nil

	case "flatten":
		if len(in[0]) < 2 {
			return nil, fmt.Errorf("requires at least 2D input, got %v", in[0])
		}
		rest := 1
		for _, d := range in[0][1:] {
			rest *= d
		}
		return single([]int{in[0][0], rest}), nil

	case "reshape":
		shape := attrInts(n.Attrs, "shape")
		if len(shape) == 0 {
			return nil, fmt.Errorf("missing shape attribute")
		}
		return single(shape), nil

	case "pad":
		widths, ok := n.Attrs["pad_width"].([][2]int)
		if !ok || len(widths) != len(in[0]) {
			return nil, fmt.Errorf("pad_width rank does not match input rank %d", len(in[0]))
		}
		out := make([]int, len(in[0]))
		for i, d := range in[0] {
			out[i] = d + widths[i][0] + widths[i][1]
		}
		return single(out), nil

	case "split":
		axis := attrInt(n.Attrs, "axis", 0)
		indices := attrInts(n.Attrs, "indices")
		if axis < 0 || axis >= len(in[0]) {
			return nil, fmt.Errorf("split axis %d out of range for shape %v", axis, in[0])
		}
		bounds := append([]int{0}, indices...)
		bounds = append(bounds, in[0][axis])
		out := make([][]int, 0, len(bounds)-1)
		for i := 0; i+1 < len(bounds); i++ {
			if bounds[i+1] < bounds[i] {
				return nil, fmt.Errorf("split indices %v not increasing", indices)
			}
			shape := make([]int, len(in[0]))
			copy(shape, in[0])
			shape[axis] = bounds[i+1] - bounds[i]
			out = append(out, shape)
		}
		return out, nil

	case "concatenate":
		axis := attrInt(n.Attrs, "axis", 1)
		if axis < 0 || axis >= len(in[0]) {
			return nil, fmt.Errorf("concat axis %d out of range for shape %v", axis, in[0])
		}
		out := make([]int, len(in[0]))
		copy(out, in[0])
		for _, shape := range in[1:] {
			out[axis] += shape[axis]
		}
		return single(out), nil

	case "upsampling":
		if len(in[0]) != 4 {
			return nil, fmt.Errorf("requires 4D input, got %v", in[0])
		}
		scale := attrInt(n.Attrs, "scale", 1)
		return single([]int{in[0][0], in[0][1], in[0][2] * scale, in[0][3] * scale}), nil

	case "yolo_reorg":
		if len(in[0]) != 4 {
			return nil, fmt.Errorf("requires 4D input, got %v", in[0])
		}
		stride := attrInt(n.Attrs, "stride", 1)
		return single([]int{in[0][0], in[0][1] * stride * stride, in[0][2] / stride, in[0][3] / stride}), nil

	case "batch_norm", "darknet_batch_norm", "dropout", "softmax", "sigmoid",
		"tanh", "relu", "exp", "leaky_relu", "l2_normalize",
		"mul_scalar", "div_scalar", "rsub_scalar",
		"elemwise_add", "elemwise_mul":
		return single(in[0]), nil

	default:
		return nil, fmt.Errorf("no shape rule for operator %q", n.Op)
	}
}

func attrInt(attrs Attrs, key string, def int) int {
	if v, ok := attrs[key]; ok {
		if i, ok := v.(int); ok {
			return i
		}
	}
	return def
}

func attrInts(attrs Attrs, key string) []int {
	if v, ok := attrs[key]; ok {
		if s, ok := v.([]int); ok {
			return s
		}
	}
	return nil
}

package convert

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/go-darknet/darknet"
	"github.com/tsawler/go-darknet/symbol"
)

// batchNormEpsilon is the epsilon used whenever batch normalization is fused
// behind a convolution or dense operation.
const batchNormEpsilon = 1e-6

// Converter holds the per-layer-kind conversion rules. Each rule maps
// (input symbols, attribute map) to an output symbol plus an optional
// slot-to-name map identifying the ops that own extracted parameters.
type Converter struct {
	graph *symbol.Graph
}

// NewConverter creates a converter emitting into the given graph.
func NewConverter(g *symbol.Graph) *Converter {
	return &Converter{graph: g}
}

// Graph returns the graph the converter emits into.
func (c *Converter) Graph() *symbol.Graph { return c.graph }

// Convert applies the conversion rule for the given layer kind. The kind
// set is closed: kinds without a rule fail with UnsupportedOperatorError
// carrying the raw attribute map for diagnostics.
func (c *Converter) Convert(kind darknet.LayerType, inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, map[int]string, error) {
	switch kind {
	case darknet.Convolutional:
		return c.convolution(inputs, attrs)
	case darknet.Deconvolutional:
		sym, err := c.convolutionTranspose(inputs, attrs)
		return sym, nil, err
	case darknet.Connected:
		return c.dense(inputs, attrs)
	case darknet.Maxpool:
		sym, err := c.maxPooling(inputs, attrs)
		return sym, nil, err
	case darknet.Avgpool:
		sym, err := c.avgPooling(inputs, attrs)
		return sym, nil, err
	case darknet.Softmax:
		sym, err := c.softmaxOutput(inputs, attrs)
		return sym, nil, err
	case darknet.Dropout:
		sym, err := c.dropout(inputs, attrs)
		return sym, nil, err
	case darknet.BatchNorm:
		sym, err := c.batchNorm(inputs, attrs)
		return sym, nil, err
	case darknet.Route:
		sym, err := c.route(inputs, attrs)
		return sym, nil, err
	case darknet.Reorg:
		sym, err := c.reorg(inputs, attrs)
		return sym, nil, err
	case darknet.Region:
		sym, err := c.region(inputs, attrs)
		return sym, nil, err
	case darknet.Shortcut:
		return c.shortcut(inputs, attrs)
	case darknet.Upsample:
		sym, err := c.upsampling(inputs, attrs)
		return sym, nil, err
	case darknet.L2Norm:
		sym, err := c.l2Normalize(inputs, attrs)
		return sym, nil, err
	case darknet.YOLO:
		sym, err := c.yolo(inputs, attrs)
		return sym, nil, err
	default:
		return nil, nil, &UnsupportedOperatorError{
			Kind:    kind.String(),
			Context: fmt.Sprintf("attrs: %v", attrs),
		}
	}
}

// op invokes a registered graph operator.
func (c *Converter) op(name string, inputs []*symbol.Symbol, attrs symbol.Attrs) (*symbol.Symbol, error) {
	fn, err := c.graph.Op(name)
	if err != nil {
		return nil, &UnsupportedOperatorError{Kind: name, Context: err.Error()}
	}
	return fn(inputs, attrs)
}

// opName strips the generated-output suffix, giving the node name parameter
// keys are derived from.
func opName(sym *symbol.Symbol) string {
	return strings.TrimSuffix(sym.OutputName(), "_output")
}

func checkLayout(attrs Attrs, op string) (string, error) {
	layout := attrs.Str("layout", "NCHW")
	if layout != "NCHW" && layout != "NHWC" {
		return "", invalidAttrf(op, "layout %q is not valid", layout)
	}
	return layout, nil
}

func (c *Converter) convolution(inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, map[int]string, error) {
	kernel, err := attrs.requireInts("kernel", "conv2d")
	if err != nil {
		return nil, nil, err
	}
	if len(kernel) != 1 {
		return nil, nil, invalidAttrf("conv2d", "non-square kernel %v is not supported", kernel)
	}
	layout, err := checkLayout(attrs, "conv2d")
	if err != nil {
		return nil, nil, err
	}
	channels, err := attrs.requireInt("num_filter", "conv2d")
	if err != nil {
		return nil, nil, err
	}
	stride := attrs.Int("stride", 1)
	pad := attrs.Int("pad", 0)
	useBatchNorm := attrs.Bool("use_batchNorm", false)

	newAttrs := symbol.Attrs{
		"channels":    channels,
		"kernel_size": []int{kernel[0], kernel[0]},
		"strides":     []int{stride, stride},
		"padding":     []int{pad, pad},
		"dilation":    []int{attrs.Int("dilate", 1), attrs.Int("dilate", 1)},
		"groups":      attrs.Int("num_group", 1),
		"layout":      layout,
		"use_bias":    !useBatchNorm,
	}
	sym, err := c.op("conv2d", inputs, newAttrs)
	if err != nil {
		return nil, nil, err
	}
	names := map[int]string{0: opName(sym)}

	if useBatchNorm {
		sym, err = c.op("batch_norm", []*symbol.Symbol{sym}, symbol.Attrs{"epsilon": batchNormEpsilon})
		if err != nil {
			return nil, nil, err
		}
		names[1] = opName(sym)
	}
	if act, ok := attrs.Activation("activation"); ok {
		sym, _, err = c.activations([]*symbol.Symbol{sym}, Attrs{"activation": act, "slope": 0.1})
		if err != nil {
			return nil, nil, err
		}
	}
	return sym, names, nil
}

func (c *Converter) convolutionTranspose(inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, error) {
	if attrs.Has("target_shape") {
		return nil, invalidAttrf("conv2d_transpose", "attribute target_shape is not supported")
	}
	kernel, err := attrs.requireInts("kernel", "conv2d_transpose")
	if err != nil {
		return nil, err
	}
	if len(kernel) != 2 {
		return nil, invalidAttrf("conv2d_transpose", "kernel %v must have a height and a width", kernel)
	}
	layout, err := checkLayout(attrs, "conv2d_transpose")
	if err != nil {
		return nil, err
	}
	channels, err := attrs.requireInt("num_filter", "conv2d_transpose")
	if err != nil {
		return nil, err
	}
	stride := attrs.Int("stride", 1)
	newAttrs := symbol.Attrs{
		"channels":       channels,
		"kernel_size":    kernel,
		"strides":        []int{stride, stride},
		"output_padding": []int{attrs.Int("adj", 0), attrs.Int("adj", 0)},
		"padding":        []int{attrs.Int("pad", 0), attrs.Int("pad", 0)},
		"dilation":       []int{attrs.Int("dilate", 1), attrs.Int("dilate", 1)},
		"groups":         attrs.Int("num_group", 1),
		"layout":         layout,
		"use_bias":       !attrs.Bool("no_bias", false),
	}
	return c.op("conv2d_transpose", inputs, newAttrs)
}

func (c *Converter) dense(inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, map[int]string, error) {
	units, err := attrs.requireInt("num_hidden", "dense")
	if err != nil {
		return nil, nil, err
	}
	if attrs.Bool("use_flatten", false) {
		flat, err := c.op("flatten", inputs[:1], nil)
		if err != nil {
			return nil, nil, err
		}
		inputs = []*symbol.Symbol{flat}
	}
	sym, err := c.op("dense", inputs, symbol.Attrs{
		"units":    units,
		"use_bias": attrs.Bool("use_bias", false),
	})
	if err != nil {
		return nil, nil, err
	}
	names := map[int]string{0: opName(sym)}

	if attrs.Has("use_batchNorm") {
		sym, err = c.op("batch_norm", []*symbol.Symbol{sym}, symbol.Attrs{"epsilon": batchNormEpsilon})
		if err != nil {
			return nil, nil, err
		}
		names[1] = opName(sym)
	}
	if act, ok := attrs.Activation("activation"); ok {
		sym, _, err = c.activations([]*symbol.Symbol{sym}, Attrs{"activation": act})
		if err != nil {
			return nil, nil, err
		}
	}
	return sym, names, nil
}

func (c *Converter) maxPooling(inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, error) {
	kernel, err := attrs.requireInts("kernel", "maxpool")
	if err != nil {
		return nil, err
	}
	if len(kernel) != 1 {
		return nil, invalidAttrf("maxpool", "non-square kernel %v is not supported", kernel)
	}
	stride := attrs.Int("stride", 1)
	pad := attrs.Int("pad", 0)

	if extra := attrs.Int("extra_pad_size", 0); extra > 0 {
		// Pre-pad the trailing spatial edges with the smallest float so the
		// extra positions never win the max.
		padded, err := c.op("pad", inputs[:1], symbol.Attrs{
			"pad_width": [][2]int{{0, 0}, {0, 0}, {0, extra}, {0, extra}},
			"pad_value": float64(-math.MaxFloat32),
		})
		if err != nil {
			return nil, err
		}
		inputs = []*symbol.Symbol{padded}
	}
	return c.op("max_pool2d", inputs, symbol.Attrs{
		"pool_size": []int{kernel[0], kernel[0]},
		"strides":   []int{stride, stride},
		"padding":   []int{pad, pad},
	})
}

func (c *Converter) avgPooling(inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, error) {
	kernel, err := attrs.requireInts("kernel", "avgpool")
	if err != nil {
		return nil, err
	}
	if len(kernel) != 1 {
		return nil, invalidAttrf("avgpool", "non-square kernel %v is not supported", kernel)
	}
	stride := attrs.Int("stride", 1)
	pad := attrs.Int("pad", 0)
	return c.op("avg_pool2d", inputs, symbol.Attrs{
		"pool_size": []int{kernel[0], kernel[0]},
		"strides":   []int{stride, stride},
		"padding":   []int{pad, pad},
	})
}

func (c *Converter) batchNorm(inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, error) {
	return c.op("darknet_batch_norm", inputs, symbol.Attrs{
		"axis":    attrs.Int("axis", 1),
		"epsilon": attrs.Float("eps", batchNormEpsilon),
		"center":  true,
		"scale":   true,
	})
}

func (c *Converter) shortcut(inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, map[int]string, error) {
	if len(inputs) != 2 {
		return nil, nil, invalidAttrf("shortcut", "requires exactly two inputs, got %d", len(inputs))
	}
	outChannel, err := attrs.requireInt("out_channel", "shortcut")
	if err != nil {
		return nil, nil, err
	}
	addChannel, err := attrs.requireInt("add_out_channel", "shortcut")
	if err != nil {
		return nil, nil, err
	}
	outSize, err := attrs.requireInt("out_size", "shortcut")
	if err != nil {
		return nil, nil, err
	}
	addSize, err := attrs.requireInt("add_out_size", "shortcut")
	if err != nil {
		return nil, nil, err
	}

	primary, secondary := inputs[0], inputs[1]
	if outSize > addSize {
		scale := outSize / addSize
		secondary, err = c.op("upsampling", []*symbol.Symbol{secondary}, symbol.Attrs{"scale": scale})
		if err != nil {
			return nil, nil, err
		}
	} else if outSize < addSize {
		stride := addSize / outSize
		secondary, err = c.op("avg_pool2d", []*symbol.Symbol{secondary}, symbol.Attrs{
			"pool_size": []int{1, 1},
			"strides":   []int{stride, stride},
			"padding":   []int{0, 0},
		})
		if err != nil {
			return nil, nil, err
		}
	}

	if outChannel != addChannel {
		padChannel := outChannel - addChannel
		if padChannel < 0 {
			return nil, nil, invalidAttrf("shortcut",
				"secondary branch has %d channels but primary only %d", addChannel, outChannel)
		}
		secondary, err = c.op("pad", []*symbol.Symbol{secondary}, symbol.Attrs{
			"pad_width": [][2]int{{0, 0}, {0, padChannel}, {0, 0}, {0, 0}},
			"pad_value": float64(0),
		})
		if err != nil {
			return nil, nil, err
		}
	}

	sym, err := c.op("elemwise_add", []*symbol.Symbol{primary, secondary}, nil)
	if err != nil {
		return nil, nil, err
	}
	names := map[int]string{0: opName(sym)}
	if act, ok := attrs.Activation("activation"); ok {
		sym, _, err = c.activations([]*symbol.Symbol{sym}, Attrs{"activation": act})
		if err != nil {
			return nil, nil, err
		}
	}
	return sym, names, nil
}

func (c *Converter) dropout(inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, error) {
	return c.op("dropout", inputs, symbol.Attrs{"rate": attrs.Float("p", 0.5)})
}

func (c *Converter) reshape(inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, error) {
	if attrs.Bool("reverse", false) {
		return nil, invalidAttrf("reshape", "attribute reverse is not supported")
	}
	shape, err := attrs.requireInts("shape", "reshape")
	if err != nil {
		return nil, err
	}
	return c.op("reshape", inputs, symbol.Attrs{"shape": shape})
}

func (c *Converter) upsampling(inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, error) {
	return c.op("upsampling", inputs, symbol.Attrs{"scale": attrs.Int("scale", 1)})
}

func (c *Converter) l2Normalize(inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, error) {
	return c.op("l2_normalize", inputs, symbol.Attrs{
		"eps":  attrs.Float("eps", 0),
		"axis": attrs.Int("axis", 1),
	})
}

func (c *Converter) softmaxOutput(inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, error) {
	input := inputs[0]
	if t := attrs.Float("temperature", 1); t != 1 {
		scaled, err := c.op("div_scalar", []*symbol.Symbol{input}, symbol.Attrs{"scalar": t})
		if err != nil {
			return nil, err
		}
		input = scaled
	}
	newAttrs := symbol.Attrs{}
	if attrs.Bool("multi_output", false) {
		newAttrs["axis"] = 1
	}
	if attrs.Bool("use_flatten", false) {
		flat, err := c.op("flatten", []*symbol.Symbol{input}, nil)
		if err != nil {
			return nil, err
		}
		input = flat
	}
	return c.op("softmax", []*symbol.Symbol{input}, newAttrs)
}

func (c *Converter) route(inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, error) {
	return c.op("concatenate", inputs, symbol.Attrs{"axis": attrs.Int("dim", 1)})
}

func (c *Converter) reorg(inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, error) {
	newAttrs := symbol.Attrs{}
	if attrs.Has("stride") {
		newAttrs["stride"] = attrs.Int("stride", 1)
	}
	return c.op("yolo_reorg", inputs, newAttrs)
}

func (c *Converter) region(inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, error) {
	num := attrs.Int("n", 1)
	classes := attrs.Int("classes", 1)
	coords := attrs.Int("coords", 0)
	background := attrs.Bool("background", false)
	useSoftmax := attrs.Bool("softmax", true)
	inputShape, err := attrs.requireInts("shape", "region")
	if err != nil {
		return nil, err
	}

	splitSize := classes + coords + 1
	intermediate := []int{inputShape[0], num, splitSize, inputShape[2], inputShape[3]}
	block, err := c.op("reshape", inputs[:1], symbol.Attrs{"shape": intermediate})
	if err != nil {
		return nil, err
	}
	parts, err := c.op("split", []*symbol.Symbol{block}, symbol.Attrs{"indices": []int{2, 4, 5}, "axis": 2})
	if err != nil {
		return nil, err
	}

	segment := make([]*symbol.Symbol, 4)
	for i := range segment {
		if segment[i], err = parts.Output(i); err != nil {
			return nil, err
		}
	}

	// Box-center logits always pass through a sigmoid. The op keeps the
	// input slice it is handed, so segment entries are replaced via a
	// fresh slice and a temporary, never through a shared backing array.
	boxes, err := c.op("sigmoid", []*symbol.Symbol{segment[0]}, nil)
	if err != nil {
		return nil, err
	}
	segment[0] = boxes
	// Objectness passes through a sigmoid unless a background slot is used.
	if !background {
		obj, err := c.op("sigmoid", []*symbol.Symbol{segment[2]}, nil)
		if err != nil {
			return nil, err
		}
		segment[2] = obj
	}
	if useSoftmax {
		scores, err := c.op("softmax", []*symbol.Symbol{segment[3]}, symbol.Attrs{"axis": 2})
		if err != nil {
			return nil, err
		}
		segment[3] = scores
	}

	out, err := c.op("concatenate", segment, symbol.Attrs{"axis": 2})
	if err != nil {
		return nil, err
	}
	return c.op("reshape", []*symbol.Symbol{out}, symbol.Attrs{"shape": inputShape})
}

func (c *Converter) yolo(inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, error) {
	num := attrs.Int("n", 1)
	classes := attrs.Int("classes", 1)
	inputShape, err := attrs.requireInts("shape", "yolo")
	if err != nil {
		return nil, err
	}

	splitSize := classes + 5
	intermediate := []int{inputShape[0], num, splitSize, inputShape[2], inputShape[3]}
	block, err := c.op("reshape", inputs[:1], symbol.Attrs{"shape": intermediate})
	if err != nil {
		return nil, err
	}
	parts, err := c.op("split", []*symbol.Symbol{block}, symbol.Attrs{"indices": []int{2, 4}, "axis": 2})
	if err != nil {
		return nil, err
	}

	segment := make([]*symbol.Symbol, 3)
	for i := range segment {
		if segment[i], err = parts.Output(i); err != nil {
			return nil, err
		}
	}
	boxes, err := c.op("sigmoid", []*symbol.Symbol{segment[0]}, nil)
	if err != nil {
		return nil, err
	}
	segment[0] = boxes
	scores, err := c.op("sigmoid", []*symbol.Symbol{segment[2]}, nil)
	if err != nil {
		return nil, err
	}
	segment[2] = scores

	out, err := c.op("concatenate", segment, symbol.Attrs{"axis": 2})
	if err != nil {
		return nil, err
	}
	return c.op("reshape", []*symbol.Symbol{out}, symbol.Attrs{"shape": inputShape})
}

// activations maps a Darknet activation tag to graph ops. A linear tag
// returns the input untouched; ELU is synthesized from elementary ops as
// relu(x) - relu(1 - exp(x)).
func (c *Converter) activations(inputs []*symbol.Symbol, attrs Attrs) (*symbol.Symbol, map[int]string, error) {
	act, ok := attrs.Activation("activation")
	if !ok {
		return nil, nil, &MissingAttributeError{Key: "activation", Op: "activations"}
	}

	switch act {
	case darknet.Linear:
		return inputs[0], nil, nil
	case darknet.Logistic:
		sym, err := c.op("sigmoid", inputs[:1], nil)
		return sym, nil, err
	case darknet.ReLU:
		sym, err := c.op("relu", inputs[:1], nil)
		return sym, nil, err
	case darknet.Tanh:
		sym, err := c.op("tanh", inputs[:1], nil)
		return sym, nil, err
	case darknet.Leaky:
		sym, err := c.op("leaky_relu", inputs[:1], symbol.Attrs{"alpha": attrs.Float("slope", 0.1)})
		return sym, nil, err
	case darknet.ELU:
		expd, err := c.op("exp", inputs[:1], nil)
		if err != nil {
			return nil, nil, err
		}
		oneMinus, err := c.op("rsub_scalar", []*symbol.Symbol{expd}, symbol.Attrs{"scalar": float64(1)})
		if err != nil {
			return nil, nil, err
		}
		clipped, err := c.op("relu", []*symbol.Symbol{oneMinus}, nil)
		if err != nil {
			return nil, nil, err
		}
		negated, err := c.op("mul_scalar", []*symbol.Symbol{clipped}, symbol.Attrs{"scalar": float64(-1)})
		if err != nil {
			return nil, nil, err
		}
		positive, err := c.op("relu", inputs[:1], nil)
		if err != nil {
			return nil, nil, err
		}
		sym, err := c.op("elemwise_add", []*symbol.Symbol{negated, positive}, nil)
		return sym, nil, err
	default:
		return nil, nil, &UnsupportedOperatorError{Kind: "activation " + act.String()}
	}
}

package convert

import (
	"fmt"

	"github.com/tsawler/go-darknet/darknet"
	"github.com/tsawler/go-darknet/symbol"
	"github.com/tsawler/go-darknet/tensor"
)

// GraphBuilder drives one conversion run: a single ordered pass over the
// network's layers. All traversal state, including the counters behind
// recurrent state-variable names, lives on the builder instance, so
// independent conversions are safe to run concurrently.
type GraphBuilder struct {
	net   *darknet.Net
	dtype tensor.DType
	graph *symbol.Graph
	conv  *Converter

	symbols  map[int][]*symbol.Symbol
	params   map[string]*tensor.Tensor
	outs     []*symbol.Symbol
	stateCtr map[string]int
}

// NewGraphBuilder creates a builder for one conversion of net. Extracted
// parameter tensors use dtype as their element type.
func NewGraphBuilder(net *darknet.Net, dtype tensor.DType) *GraphBuilder {
	g := symbol.NewGraph()
	return &GraphBuilder{
		net:      net,
		dtype:    dtype,
		graph:    g,
		conv:     NewConverter(g),
		symbols:  make(map[int][]*symbol.Symbol),
		params:   make(map[string]*tensor.Tensor),
		stateCtr: make(map[string]int),
	}
}

// Graph returns the graph the builder emits into.
func (b *GraphBuilder) Graph() *symbol.Graph { return b.conv.Graph() }

// Convert translates net into a grouped graph symbol and a parameter table.
// The group lists the final primary output first, then every accumulated
// auxiliary output. On failure nothing is returned: no partial graph or
// parameter table is valid output.
func Convert(net *darknet.Net, dtype tensor.DType) (*symbol.Symbol, map[string]*tensor.Tensor, error) {
	return NewGraphBuilder(net, dtype).Build()
}

// Build runs the conversion. It may be called at most once per builder.
func (b *GraphBuilder) Build() (*symbol.Symbol, map[string]*tensor.Tensor, error) {
	// Raw layer buffers are float32; parameter tensors are read as that
	// type, so any other element type would fail on the first layer.
	if b.dtype != tensor.Float32 {
		return nil, nil, fmt.Errorf("unsupported parameter dtype %s, only %s is supported", b.dtype, tensor.Float32)
	}

	var current []*symbol.Symbol

	for i, layer := range b.net.Layers {
		inputs, skip, err := b.resolveInputs(layer, i)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d (%s): %w", i, layer.Type, err)
		}
		current = inputs
		if skip {
			continue
		}

		if handled, sym, err := b.handleRecurrent(layer, inputs[0]); err != nil {
			return nil, nil, fmt.Errorf("layer %d (%s): %w", i, layer.Type, err)
		} else if handled {
			current = []*symbol.Symbol{sym}
			b.symbols[i] = current
			continue
		}

		attrs, err := b.layerAttrs(layer, i)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d (%s): %w", i, layer.Type, err)
		}
		sym, names, err := b.conv.Convert(layer.Type, inputs, attrs)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d (%s): %w", i, layer.Type, err)
		}
		if names == nil {
			names = map[int]string{0: opName(sym)}
		}
		if err := b.extractParams(layer, names); err != nil {
			return nil, nil, fmt.Errorf("layer %d (%s): %w", i, layer.Type, err)
		}
		current = []*symbol.Symbol{sym}
		b.symbols[i] = current
		if err := b.makeOutList(sym, names[0], layer, i); err != nil {
			return nil, nil, fmt.Errorf("layer %d (%s): %w", i, layer.Type, err)
		}
	}

	if len(current) == 0 {
		return nil, nil, fmt.Errorf("network has no layers")
	}
	grouped := append(append([]*symbol.Symbol{}, current...), b.outs...)
	sym, err := b.graph.Group(grouped)
	if err != nil {
		return nil, nil, err
	}
	return sym, b.params, nil
}

// resolveInputs determines the input symbol(s) of layer i. The default is
// the previous layer's output; route layers gather back-references; shortcut
// layers pair the previous output with one back-reference. Route layers
// with a single input, cost layers, and blank layers produce nothing new:
// they alias their input and are skipped.
func (b *GraphBuilder) resolveInputs(layer *darknet.Layer, i int) ([]*symbol.Symbol, bool, error) {
	var inputs []*symbol.Symbol
	if i == 0 {
		data, err := b.graph.Variable("data", nil)
		if err != nil {
			return nil, false, err
		}
		inputs = []*symbol.Symbol{data}
	} else {
		inputs = b.symbols[i-1]
	}

	switch layer.Type {
	case darknet.Route:
		inputs = nil
		for _, idx := range layer.InputLayers {
			ref, ok := b.symbols[idx]
			if !ok {
				return nil, false, fmt.Errorf("route references layer %d which produced no output", idx)
			}
			inputs = append(inputs, ref...)
		}
		if layer.N == 1 {
			b.symbols[i] = inputs
			return inputs, true, nil
		}

	case darknet.Cost, darknet.Blank:
		b.symbols[i] = inputs
		return inputs, true, nil

	case darknet.Shortcut:
		ref, ok := b.symbols[layer.Index]
		if !ok {
			return nil, false, fmt.Errorf("shortcut references layer %d which produced no output", layer.Index)
		}
		inputs = []*symbol.Symbol{inputs[0], ref[0]}
	}

	if len(inputs) == 0 {
		return nil, false, fmt.Errorf("no input symbol available")
	}
	return inputs, false, nil
}

// layerAttrs derives the attribute map from the layer's native fields. The
// map is built in full here and handed to the conversion rule read-only.
func (b *GraphBuilder) layerAttrs(layer *darknet.Layer, i int) (Attrs, error) {
	attr := Attrs{}

	switch layer.Type {
	case darknet.Convolutional:
		attr["layout"] = "NCHW"
		attr["pad"] = layer.Pad
		attr["num_group"] = layer.Groups
		attr["num_filter"] = layer.N
		attr["stride"] = layer.Stride
		attr["kernel"] = []int{layer.Size}
		attr["activation"] = layer.Activation
		attr["use_bias"] = layer.NBiases != 0
		if layer.BatchNormalize && !layer.DontLoadScales {
			attr["use_batchNorm"] = true
			attr["use_scales"] = true
		}

	case darknet.Connected:
		attr["num_hidden"] = layer.Outputs
		attr["activation"] = layer.Activation
		useFlatten := true
		if i != 0 {
			prev := b.net.Layers[i-1]
			if prev.OutH == layer.H && prev.OutW == layer.W && prev.OutC == layer.C {
				useFlatten = false
			}
		}
		attr["use_flatten"] = useFlatten
		attr["use_bias"] = true
		if layer.BatchNormalize && !layer.DontLoadScales {
			attr["use_batchNorm"] = true
			attr["use_scales"] = true
			attr["use_bias"] = false
		}

	case darknet.Maxpool:
		attr["pad"] = layer.Pad
		attr["stride"] = layer.Stride
		attr["kernel"] = []int{layer.Size}
		naive := float64(layer.W-layer.Size+2*layer.Pad)/float64(layer.Stride) + 1
		if naive < float64(layer.OutW) {
			extra := (float64(layer.OutW) - naive) * float64(layer.Stride)
			attr["extra_pad_size"] = int(extra)
		}

	case darknet.Avgpool:
		attr["pad"] = layer.Pad
		if layer.Stride == 0 {
			attr["stride"] = 1
		} else {
			attr["stride"] = layer.Stride
		}
		if layer.Size == 0 && layer.H == layer.W {
			attr["kernel"] = []int{layer.H}
		} else {
			attr["kernel"] = []int{layer.Size}
		}

	case darknet.Dropout:
		attr["p"] = float64(layer.Probability)

	case darknet.Softmax:
		attr["axis"] = 1
		attr["use_flatten"] = true
		if layer.Temperature != 0 {
			attr["temperature"] = float64(layer.Temperature)
		}

	case darknet.Shortcut:
		addLayer := b.net.Layers[layer.Index]
		attr["activation"] = layer.Activation
		attr["out_channel"] = layer.OutC
		attr["out_size"] = layer.OutH
		attr["add_out_channel"] = addLayer.OutC
		attr["add_out_size"] = addLayer.OutH

	case darknet.Route:
		// Concatenation needs no layer attributes.

	case darknet.Reorg:
		attr["stride"] = layer.Stride

	case darknet.Region:
		attr["n"] = layer.N
		attr["classes"] = layer.Classes
		attr["coords"] = layer.Coords
		attr["background"] = layer.Background
		attr["softmax"] = layer.Softmax
		attr["shape"] = []int{1, layer.C, layer.H, layer.W}

	case darknet.YOLO:
		attr["n"] = layer.N
		attr["classes"] = layer.Classes
		attr["shape"] = []int{1, layer.C, layer.H, layer.W}

	case darknet.Upsample:
		attr["scale"] = layer.Stride

	case darknet.L2Norm:
		// The normalization rule's defaults apply.

	default:
		return nil, &UnsupportedOperatorError{Kind: layer.Type.String()}
	}

	return attr, nil
}

// makeOutList registers the auxiliary outputs detection heads contribute:
// their shape metadata and anchor (and mask) parameters become graph input
// variables, and a non-final head's primary output stays observable.
func (b *GraphBuilder) makeOutList(sym *symbol.Symbol, name string, layer *darknet.Layer, i int) error {
	switch layer.Type {
	case darknet.Region:
		if err := b.exposeParams(name, "attr", "bias"); err != nil {
			return err
		}
	case darknet.YOLO:
		if err := b.exposeParams(name, "attr", "bias", "mask"); err != nil {
			return err
		}
	default:
		return nil
	}
	if i != b.net.NumLayers()-1 {
		b.outs = append([]*symbol.Symbol{sym}, b.outs...)
	}
	return nil
}

func (b *GraphBuilder) exposeParams(name string, roles ...string) error {
	for _, role := range roles {
		key := paramName(name, role)
		value, ok := b.params[key]
		if !ok {
			return fmt.Errorf("parameter %s was not extracted", key)
		}
		v, err := b.graph.Variable(key, value)
		if err != nil {
			return err
		}
		b.outs = append([]*symbol.Symbol{v}, b.outs...)
	}
	return nil
}

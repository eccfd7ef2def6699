package convert

import (
	"fmt"

	"github.com/tsawler/go-darknet/darknet"
	"github.com/tsawler/go-darknet/symbol"
	"github.com/tsawler/go-darknet/tensor"
)

// newStateSymbol registers a fresh recurrent-state variable, zero
// initialized with shape (1, width). The per-kind counters live on the
// builder, so names are unique within one run without any global state.
func (b *GraphBuilder) newStateSymbol(kind string, width int) (*symbol.Symbol, error) {
	name := fmt.Sprintf("%s%d_state", kind, b.stateCtr[kind])
	b.stateCtr[kind]++
	buf, err := tensor.Zeros([]int{1, width}, b.dtype)
	if err != nil {
		return nil, err
	}
	return b.graph.Variable(name, buf)
}

// gateSymbol converts one gate sub-layer and extracts its parameters.
func (b *GraphBuilder) gateSymbol(layer *darknet.Layer, input *symbol.Symbol) (*symbol.Symbol, error) {
	attrs, err := b.layerAttrs(layer, 0)
	if err != nil {
		return nil, err
	}
	sym, names, err := b.conv.Convert(layer.Type, []*symbol.Symbol{input}, attrs)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = map[int]string{0: opName(sym)}
	}
	if err := b.extractParams(layer, names); err != nil {
		return nil, err
	}
	return sym, nil
}

func (b *GraphBuilder) elemwise(op string, a, x *symbol.Symbol) (*symbol.Symbol, error) {
	return b.conv.op(op, []*symbol.Symbol{a, x}, nil)
}

func (b *GraphBuilder) activate(x *symbol.Symbol, act darknet.Activation) (*symbol.Symbol, error) {
	sym, _, err := b.conv.activations([]*symbol.Symbol{x}, Attrs{"activation": act})
	return sym, err
}

// handleRecurrent unrolls the four recurrent layer kinds step by step,
// threading explicit state symbols through the unroll. Every intermediate
// state is appended to the extra-outputs list so it stays observable in the
// final graph. Non-recurrent kinds return handled == false.
func (b *GraphBuilder) handleRecurrent(layer *darknet.Layer, input *symbol.Symbol) (bool, *symbol.Symbol, error) {
	switch layer.Type {
	case darknet.RNN:
		sym, err := b.unrollPlain(layer, input, "rnn")
		return true, sym, err
	case darknet.CRNN:
		sym, err := b.unrollPlain(layer, input, "crnn")
		return true, sym, err
	case darknet.LSTM:
		sym, err := b.unrollLSTM(layer, input)
		return true, sym, err
	case darknet.GRU:
		sym, err := b.unrollGRU(layer, input)
		return true, sym, err
	default:
		return false, nil, nil
	}
}

// unrollPlain handles the plain recurrent cell and its convolutional
// variant: state' = output_gate(input_gate(x) + self_gate(state)).
func (b *GraphBuilder) unrollPlain(layer *darknet.Layer, sym *symbol.Symbol, kind string) (*symbol.Symbol, error) {
	if layer.InputLayer == nil || layer.SelfLayer == nil || layer.OutputLayer == nil {
		return nil, invalidAttrf(kind, "recurrent layer is missing gate sub-layers")
	}
	state, err := b.newStateSymbol(kind, layer.Outputs)
	if err != nil {
		return nil, err
	}

	for step := 0; step < layer.Steps; step++ {
		if sym, err = b.gateSymbol(layer.InputLayer, sym); err != nil {
			return nil, err
		}
		if state, err = b.gateSymbol(layer.SelfLayer, state); err != nil {
			return nil, err
		}
		if state, err = b.elemwise("elemwise_add", sym, state); err != nil {
			return nil, err
		}
		b.outs = append(b.outs, state)

		if sym, err = b.gateSymbol(layer.OutputLayer, state); err != nil {
			return nil, err
		}
	}
	return sym, nil
}

func (b *GraphBuilder) unrollLSTM(layer *darknet.Layer, sym *symbol.Symbol) (*symbol.Symbol, error) {
	if layer.Steps > 1 {
		return nil, invalidAttrf("lstm", "number of steps %d is not valid", layer.Steps)
	}
	hState, err := b.newStateSymbol("lstm", layer.Outputs)
	if err != nil {
		return nil, err
	}
	cState, err := b.newStateSymbol("cell_state", layer.Outputs)
	if err != nil {
		return nil, err
	}

	for step := 0; step < layer.Steps; step++ {
		symWF, err := b.gateSymbol(layer.Wf, hState)
		if err != nil {
			return nil, err
		}
		symWI, err := b.gateSymbol(layer.Wi, hState)
		if err != nil {
			return nil, err
		}
		symWG, err := b.gateSymbol(layer.Wg, hState)
		if err != nil {
			return nil, err
		}
		symWO, err := b.gateSymbol(layer.Wo, hState)
		if err != nil {
			return nil, err
		}

		symUF, err := b.gateSymbol(layer.Uf, sym)
		if err != nil {
			return nil, err
		}
		symUI, err := b.gateSymbol(layer.Ui, sym)
		if err != nil {
			return nil, err
		}
		symUG, err := b.gateSymbol(layer.Ug, sym)
		if err != nil {
			return nil, err
		}
		symUO, err := b.gateSymbol(layer.Uo, sym)
		if err != nil {
			return nil, err
		}

		addF, err := b.elemwise("elemwise_add", symWF, symUF)
		if err != nil {
			return nil, err
		}
		addI, err := b.elemwise("elemwise_add", symWI, symUI)
		if err != nil {
			return nil, err
		}
		addG, err := b.elemwise("elemwise_add", symWG, symUG)
		if err != nil {
			return nil, err
		}
		addO, err := b.elemwise("elemwise_add", symWO, symUO)
		if err != nil {
			return nil, err
		}

		actF, err := b.activate(addF, darknet.Logistic)
		if err != nil {
			return nil, err
		}
		actI, err := b.activate(addI, darknet.Logistic)
		if err != nil {
			return nil, err
		}
		actG, err := b.activate(addG, darknet.Tanh)
		if err != nil {
			return nil, err
		}
		actO, err := b.activate(addO, darknet.Logistic)
		if err != nil {
			return nil, err
		}

		mulT, err := b.elemwise("elemwise_mul", actI, actG)
		if err != nil {
			return nil, err
		}
		if cState, err = b.elemwise("elemwise_mul", actF, cState); err != nil {
			return nil, err
		}
		if cState, err = b.elemwise("elemwise_add", mulT, cState); err != nil {
			return nil, err
		}

		if hState, err = b.activate(cState, darknet.Tanh); err != nil {
			return nil, err
		}
		if hState, err = b.elemwise("elemwise_mul", actO, hState); err != nil {
			return nil, err
		}
		b.outs = append(b.outs, cState, hState)
		sym = hState
	}
	return sym, nil
}

func (b *GraphBuilder) unrollGRU(layer *darknet.Layer, sym *symbol.Symbol) (*symbol.Symbol, error) {
	if layer.Steps > 1 {
		return nil, invalidAttrf("gru", "number of steps %d is not valid", layer.Steps)
	}
	state, err := b.newStateSymbol("gru", layer.Outputs)
	if err != nil {
		return nil, err
	}

	for step := 0; step < layer.Steps; step++ {
		symWZ, err := b.gateSymbol(layer.Wz, state)
		if err != nil {
			return nil, err
		}
		symWR, err := b.gateSymbol(layer.Wr, state)
		if err != nil {
			return nil, err
		}

		symUZ, err := b.gateSymbol(layer.Uz, sym)
		if err != nil {
			return nil, err
		}
		symUR, err := b.gateSymbol(layer.Ur, sym)
		if err != nil {
			return nil, err
		}
		symUH, err := b.gateSymbol(layer.Uh, sym)
		if err != nil {
			return nil, err
		}

		addZ, err := b.elemwise("elemwise_add", symUZ, symWZ)
		if err != nil {
			return nil, err
		}
		addR, err := b.elemwise("elemwise_add", symUR, symWR)
		if err != nil {
			return nil, err
		}

		actZ, err := b.activate(addZ, darknet.Logistic)
		if err != nil {
			return nil, err
		}
		actR, err := b.activate(addR, darknet.Logistic)
		if err != nil {
			return nil, err
		}

		forgot, err := b.elemwise("elemwise_mul", actR, state)
		if err != nil {
			return nil, err
		}
		symWH, err := b.gateSymbol(layer.Wh, forgot)
		if err != nil {
			return nil, err
		}
		hState, err := b.elemwise("elemwise_add", symUH, symWH)
		if err != nil {
			return nil, err
		}

		// The candidate activation is a per-layer choice between tanh and
		// logistic, carried on the layer record.
		candidateAct := darknet.Logistic
		if layer.Tanh {
			candidateAct = darknet.Tanh
		}
		if hState, err = b.activate(hState, candidateAct); err != nil {
			return nil, err
		}

		// state' = z * state + (1 - z) * candidate
		keep, err := b.elemwise("elemwise_mul", actZ, state)
		if err != nil {
			return nil, err
		}
		inv, err := b.conv.op("rsub_scalar", []*symbol.Symbol{actZ}, symbol.Attrs{"scalar": float64(1)})
		if err != nil {
			return nil, err
		}
		take, err := b.elemwise("elemwise_mul", inv, hState)
		if err != nil {
			return nil, err
		}
		if sym, err = b.elemwise("elemwise_add", keep, take); err != nil {
			return nil, err
		}
		b.outs = append(b.outs, sym)
	}
	return sym, nil
}

package darknet

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// section is one [name] block of a .cfg file with its key=value options.
type section struct {
	name    string
	line    int
	options map[string]string
}

func (s *section) optInt(key string, def int) int {
	if v, ok := s.options[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (s *section) optFloat(key string, def float32) float32 {
	if v, ok := s.options[key]; ok {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return def
}

func (s *section) optBool(key string, def bool) bool {
	if v, ok := s.options[key]; ok {
		return v != "0"
	}
	return def
}

func (s *section) optInts(key string) ([]int, error) {
	v, ok := s.options[key]
	if !ok {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("line %d: option %s: %w", s.line, key, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *section) optFloats(key string) ([]float32, error) {
	v, ok := s.options[key]
	if !ok {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: option %s: %w", s.line, key, err)
		}
		out = append(out, float32(f))
	}
	return out, nil
}

func parseActivation(name string) (Activation, error) {
	switch name {
	case "logistic":
		return Logistic, nil
	case "relu":
		return ReLU, nil
	case "relie":
		return ReLIE, nil
	case "linear":
		return Linear, nil
	case "ramp":
		return Ramp, nil
	case "tanh":
		return Tanh, nil
	case "plse":
		return PLSE, nil
	case "leaky":
		return Leaky, nil
	case "elu":
		return ELU, nil
	case "loggy":
		return Loggy, nil
	case "stair":
		return Stair, nil
	case "hardtan":
		return HardTan, nil
	case "lhtan":
		return LHTan, nil
	default:
		return Linear, fmt.Errorf("unknown activation %q", name)
	}
}

func readSections(r io.Reader) ([]*section, error) {
	var sections []*section
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || text[0] == '#' || text[0] == ';' {
			continue
		}
		if text[0] == '[' {
			if !strings.HasSuffix(text, "]") {
				return nil, fmt.Errorf("line %d: malformed section header %q", line, text)
			}
			sections = append(sections, &section{
				name:    strings.Trim(text, "[]"),
				line:    line,
				options: make(map[string]string),
			})
			continue
		}
		key, value, found := strings.Cut(text, "=")
		if !found {
			return nil, fmt.Errorf("line %d: expected key=value, got %q", line, text)
		}
		if len(sections) == 0 {
			return nil, fmt.Errorf("line %d: option before first section", line)
		}
		sections[len(sections)-1].options[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sections, nil
}

// ParseConfigFile parses a Darknet .cfg file into a Net.
func ParseConfigFile(path string) (*Net, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return ParseConfig(f)
}

// ParseConfig parses a Darknet .cfg description. The first section must be
// [net] (or [network]); every following section becomes one layer, with
// output geometry propagated the way Darknet's own parser does it.
func ParseConfig(r io.Reader) (*Net, error) {
	sections, err := readSections(r)
	if err != nil {
		return nil, err
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("empty config")
	}
	head := sections[0]
	if head.name != "net" && head.name != "network" {
		return nil, fmt.Errorf("line %d: first section must be [net], got [%s]", head.line, head.name)
	}

	net := &Net{
		W:     head.optInt("width", 0),
		H:     head.optInt("height", 0),
		C:     head.optInt("channels", 3),
		Batch: head.optInt("batch", 1),
	}
	if net.W <= 0 || net.H <= 0 || net.C <= 0 {
		return nil, fmt.Errorf("[net] must declare positive width, height and channels")
	}
	steps := head.optInt("time_steps", 1)

	w, h, c := net.W, net.H, net.C
	for _, sec := range sections[1:] {
		layer, err := buildLayer(sec, net, w, h, c, steps)
		if err != nil {
			return nil, err
		}
		net.Layers = append(net.Layers, layer)
		slog.Debug("parsed layer",
			"index", len(net.Layers)-1,
			"type", layer.Type.String(),
			"out", []int{layer.OutC, layer.OutH, layer.OutW})
		w, h, c = layer.OutW, layer.OutH, layer.OutC
	}
	return net, nil
}

func buildLayer(sec *section, net *Net, w, h, c, steps int) (*Layer, error) {
	l := &Layer{Batch: net.Batch, W: w, H: h, C: c}

	actName := sec.options["activation"]
	if actName == "" {
		actName = "logistic"
	}

	switch sec.name {
	case "convolutional", "conv":
		act, err := parseActivation(actName)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", sec.line, err)
		}
		l.Type = Convolutional
		l.Activation = act
		l.N = sec.optInt("filters", 1)
		l.Size = sec.optInt("size", 1)
		l.Stride = sec.optInt("stride", 1)
		l.Groups = sec.optInt("groups", 1)
		l.Pad = sec.optInt("padding", 0)
		if sec.optBool("pad", false) {
			l.Pad = l.Size / 2
		}
		l.BatchNormalize = sec.optBool("batch_normalize", false)
		if l.Groups <= 0 || c%l.Groups != 0 {
			return nil, fmt.Errorf("line %d: groups %d does not divide channels %d", sec.line, l.Groups, c)
		}
		l.OutW = (w+2*l.Pad-l.Size)/l.Stride + 1
		l.OutH = (h+2*l.Pad-l.Size)/l.Stride + 1
		l.OutC = l.N
		l.NWeights = c / l.Groups * l.N * l.Size * l.Size
		l.NBiases = l.N
		l.Inputs = w * h * c
		l.Outputs = l.OutW * l.OutH * l.OutC

	case "connected":
		act, err := parseActivation(actName)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", sec.line, err)
		}
		l.Type = Connected
		l.Activation = act
		l.Inputs = w * h * c
		l.Outputs = sec.optInt("output", 1)
		l.BatchNormalize = sec.optBool("batch_normalize", false)
		// Connected layers are shapeless: 1x1 spatial with the flat input
		// as channels, so a dense-after-dense chain skips flattening.
		l.H, l.W, l.C = 1, 1, l.Inputs
		l.OutH, l.OutW, l.OutC = 1, 1, l.Outputs
		l.NWeights = l.Inputs * l.Outputs
		l.NBiases = l.Outputs

	case "maxpool":
		l.Type = Maxpool
		l.Size = sec.optInt("size", 2)
		l.Stride = sec.optInt("stride", l.Size)
		l.Pad = sec.optInt("padding", 0)
		// Darknet max pooling covers the padded extent to its trailing
		// edge, so the output size rounds up rather than down.
		l.OutW = (w+2*l.Pad-1)/l.Stride + 1
		l.OutH = (h+2*l.Pad-1)/l.Stride + 1
		l.OutC = c
		l.Outputs = l.OutW * l.OutH * l.OutC

	case "avgpool":
		l.Type = Avgpool
		l.OutW, l.OutH, l.OutC = 1, 1, c
		l.Outputs = c

	case "softmax":
		l.Type = Softmax
		l.Temperature = sec.optFloat("temperature", 1)
		l.Inputs = w * h * c
		l.Outputs = l.Inputs
		l.OutW, l.OutH, l.OutC = w, h, c

	case "dropout":
		l.Type = Dropout
		l.Probability = sec.optFloat("probability", 0.5)
		l.OutW, l.OutH, l.OutC = w, h, c

	case "route":
		l.Type = Route
		refs, err := sec.optInts("layers")
		if err != nil {
			return nil, err
		}
		if len(refs) == 0 {
			return nil, fmt.Errorf("line %d: route requires a layers option", sec.line)
		}
		cur := len(net.Layers)
		for _, ref := range refs {
			idx := ref
			if idx < 0 {
				idx = cur + idx
			}
			if idx < 0 || idx >= cur {
				return nil, fmt.Errorf("line %d: route reference %d out of range", sec.line, ref)
			}
			l.InputLayers = append(l.InputLayers, idx)
		}
		l.N = len(l.InputLayers)
		first := net.Layers[l.InputLayers[0]]
		l.OutW, l.OutH = first.OutW, first.OutH
		for _, idx := range l.InputLayers {
			ref := net.Layers[idx]
			if ref.OutW != l.OutW || ref.OutH != l.OutH {
				return nil, fmt.Errorf("line %d: route inputs disagree on spatial size", sec.line)
			}
			l.OutC += ref.OutC
		}
		l.Outputs = l.OutW * l.OutH * l.OutC

	case "shortcut":
		act, err := parseActivation(actName)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", sec.line, err)
		}
		l.Type = Shortcut
		l.Activation = act
		from, ok := sec.options["from"]
		if !ok {
			return nil, fmt.Errorf("line %d: shortcut requires a from option", sec.line)
		}
		ref, err := strconv.Atoi(from)
		if err != nil {
			return nil, fmt.Errorf("line %d: shortcut from: %w", sec.line, err)
		}
		cur := len(net.Layers)
		if ref < 0 {
			ref = cur + ref
		}
		if ref < 0 || ref >= cur {
			return nil, fmt.Errorf("line %d: shortcut reference out of range", sec.line)
		}
		l.Index = ref
		l.OutW, l.OutH, l.OutC = w, h, c
		l.Outputs = l.OutW * l.OutH * l.OutC

	case "upsample":
		l.Type = Upsample
		l.Stride = sec.optInt("stride", 2)
		l.OutW, l.OutH, l.OutC = w*l.Stride, h*l.Stride, c
		l.Outputs = l.OutW * l.OutH * l.OutC

	case "reorg":
		l.Type = Reorg
		l.Stride = sec.optInt("stride", 1)
		if l.Stride <= 0 || w%l.Stride != 0 || h%l.Stride != 0 {
			return nil, fmt.Errorf("line %d: reorg stride %d does not divide input %dx%d", sec.line, l.Stride, w, h)
		}
		l.OutW, l.OutH = w/l.Stride, h/l.Stride
		l.OutC = c * l.Stride * l.Stride
		l.Outputs = l.OutW * l.OutH * l.OutC

	case "region":
		l.Type = Region
		l.N = sec.optInt("num", 1)
		l.Classes = sec.optInt("classes", 20)
		l.Coords = sec.optInt("coords", 4)
		l.Background = sec.optBool("background", false)
		l.Softmax = sec.optBool("softmax", false)
		anchors, err := sec.optFloats("anchors")
		if err != nil {
			return nil, err
		}
		l.Biases = make([]float32, 2*l.N)
		for i := range l.Biases {
			l.Biases[i] = 0.5
		}
		if anchors != nil {
			if len(anchors) != 2*l.N {
				return nil, fmt.Errorf("line %d: region expects %d anchor values, got %d", sec.line, 2*l.N, len(anchors))
			}
			copy(l.Biases, anchors)
		}
		l.NBiases = len(l.Biases)
		l.OutW, l.OutH, l.OutC = w, h, c
		l.Outputs = l.OutW * l.OutH * l.OutC

	case "yolo":
		l.Type = YOLO
		l.Total = sec.optInt("num", 1)
		l.Classes = sec.optInt("classes", 20)
		mask, err := sec.optInts("mask")
		if err != nil {
			return nil, err
		}
		if mask == nil {
			for i := 0; i < l.Total; i++ {
				mask = append(mask, i)
			}
		}
		l.N = len(mask)
		l.Mask = make([]int32, l.N)
		for i, m := range mask {
			if m < 0 || m >= l.Total {
				return nil, fmt.Errorf("line %d: yolo mask entry %d out of range", sec.line, m)
			}
			l.Mask[i] = int32(m)
		}
		anchors, err := sec.optFloats("anchors")
		if err != nil {
			return nil, err
		}
		l.Biases = make([]float32, 2*l.Total)
		for i := range l.Biases {
			l.Biases[i] = 0.5
		}
		if anchors != nil {
			if len(anchors) != 2*l.Total {
				return nil, fmt.Errorf("line %d: yolo expects %d anchor values, got %d", sec.line, 2*l.Total, len(anchors))
			}
			copy(l.Biases, anchors)
		}
		l.NBiases = len(l.Biases)
		l.OutW, l.OutH, l.OutC = w, h, c
		l.Outputs = l.OutW * l.OutH * l.OutC

	case "batchnorm":
		l.Type = BatchNorm
		l.OutW, l.OutH, l.OutC = w, h, c
		l.Outputs = w * h * c

	case "rnn":
		act, err := parseActivation(actName)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", sec.line, err)
		}
		l.Type = RNN
		l.Activation = act
		l.Steps = steps
		l.Inputs = w * h * c
		l.Outputs = sec.optInt("output", 1)
		bn := sec.optBool("batch_normalize", false)
		l.InputLayer = connectedGate(net.Batch, l.Inputs, l.Outputs, act, bn)
		l.SelfLayer = connectedGate(net.Batch, l.Outputs, l.Outputs, act, bn)
		l.OutputLayer = connectedGate(net.Batch, l.Outputs, l.Outputs, act, bn)
		l.OutH, l.OutW, l.OutC = 1, 1, l.Outputs

	case "crnn":
		act, err := parseActivation(actName)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", sec.line, err)
		}
		l.Type = CRNN
		l.Activation = act
		l.Steps = steps
		outputFilters := sec.optInt("output", 1)
		hiddenFilters := sec.optInt("hidden", 1)
		bn := sec.optBool("batch_normalize", false)
		l.InputLayer = convolutionalGate(net.Batch, h, w, c, hiddenFilters, act, bn)
		l.SelfLayer = convolutionalGate(net.Batch, h, w, hiddenFilters, hiddenFilters, act, bn)
		l.OutputLayer = convolutionalGate(net.Batch, h, w, hiddenFilters, outputFilters, act, bn)
		l.OutH, l.OutW, l.OutC = h, w, outputFilters
		l.Outputs = l.OutH * l.OutW * l.OutC

	case "lstm":
		l.Type = LSTM
		l.Steps = steps
		l.Inputs = w * h * c
		l.Outputs = sec.optInt("output", 1)
		bn := sec.optBool("batch_normalize", false)
		l.Uf = connectedGate(net.Batch, l.Inputs, l.Outputs, Linear, bn)
		l.Ui = connectedGate(net.Batch, l.Inputs, l.Outputs, Linear, bn)
		l.Ug = connectedGate(net.Batch, l.Inputs, l.Outputs, Linear, bn)
		l.Uo = connectedGate(net.Batch, l.Inputs, l.Outputs, Linear, bn)
		l.Wf = connectedGate(net.Batch, l.Outputs, l.Outputs, Linear, bn)
		l.Wi = connectedGate(net.Batch, l.Outputs, l.Outputs, Linear, bn)
		l.Wg = connectedGate(net.Batch, l.Outputs, l.Outputs, Linear, bn)
		l.Wo = connectedGate(net.Batch, l.Outputs, l.Outputs, Linear, bn)
		l.OutH, l.OutW, l.OutC = 1, 1, l.Outputs

	case "gru":
		l.Type = GRU
		l.Steps = steps
		l.Inputs = w * h * c
		l.Outputs = sec.optInt("output", 1)
		l.Tanh = sec.optBool("tanh", false)
		bn := sec.optBool("batch_normalize", false)
		l.Uz = connectedGate(net.Batch, l.Inputs, l.Outputs, Linear, bn)
		l.Ur = connectedGate(net.Batch, l.Inputs, l.Outputs, Linear, bn)
		l.Uh = connectedGate(net.Batch, l.Inputs, l.Outputs, Linear, bn)
		l.Wz = connectedGate(net.Batch, l.Outputs, l.Outputs, Linear, bn)
		l.Wr = connectedGate(net.Batch, l.Outputs, l.Outputs, Linear, bn)
		l.Wh = connectedGate(net.Batch, l.Outputs, l.Outputs, Linear, bn)
		l.OutH, l.OutW, l.OutC = 1, 1, l.Outputs

	case "cost":
		l.Type = Cost
		l.OutW, l.OutH, l.OutC = w, h, c

	default:
		return nil, fmt.Errorf("line %d: unsupported section [%s]", sec.line, sec.name)
	}

	return l, nil
}

// convolutionalGate builds the 3x3 stride-1 convolutional sub-layer the
// convolutional recurrent layer uses for one gate.
func convolutionalGate(batch, h, w, c, n int, act Activation, batchNormalize bool) *Layer {
	return &Layer{
		Type:           Convolutional,
		Activation:     act,
		Batch:          batch,
		H:              h,
		W:              w,
		C:              c,
		N:              n,
		Size:           3,
		Stride:         1,
		Pad:            1,
		Groups:         1,
		OutH:           h,
		OutW:           w,
		OutC:           n,
		Outputs:        h * w * n,
		Inputs:         h * w * c,
		BatchNormalize: batchNormalize,
		NWeights:       c * n * 3 * 3,
		NBiases:        n,
	}
}

// connectedGate builds the connected sub-layer a recurrent layer uses for
// one gate.
func connectedGate(batch, inputs, outputs int, act Activation, batchNormalize bool) *Layer {
	return &Layer{
		Type:           Connected,
		Activation:     act,
		Batch:          batch,
		H:              1,
		W:              1,
		C:              inputs,
		OutH:           1,
		OutW:           1,
		OutC:           outputs,
		Inputs:         inputs,
		Outputs:        outputs,
		BatchNormalize: batchNormalize,
		NWeights:       inputs * outputs,
		NBiases:        outputs,
	}
}

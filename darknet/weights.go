package darknet

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/exp/mmap"
)

// weightReader walks a raw .weights byte buffer in little-endian order.
type weightReader struct {
	data []byte
	off  int
}

func (r *weightReader) remaining() int { return len(r.data) - r.off }

func (r *weightReader) int32() (int32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("truncated file at offset %d", r.off)
	}
	v := int32(binary.LittleEndian.Uint32(r.data[r.off:]))
	r.off += 4
	return v, nil
}

func (r *weightReader) skip(n int) error {
	if r.remaining() < n {
		return fmt.Errorf("truncated file at offset %d", r.off)
	}
	r.off += n
	return nil
}

func (r *weightReader) floats(n int) ([]float32, error) {
	if n < 0 || r.remaining() < 4*n {
		return nil, fmt.Errorf("need %d floats at offset %d, only %d bytes left", n, r.off, r.remaining())
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(r.data[r.off:]))
		r.off += 4
	}
	return out, nil
}

// LoadWeightsFile memory-maps a Darknet .weights file and fills the
// parameter buffers of every layer in the network, in Darknet's
// serialization order.
func LoadWeightsFile(net *Net, path string) error {
	m, err := mmap.Open(path)
	if err != nil {
		return fmt.Errorf("mmap weights: %w", err)
	}
	defer m.Close()

	data := make([]byte, m.Len())
	if _, err := m.ReadAt(data, 0); err != nil {
		return fmt.Errorf("read weights: %w", err)
	}
	return LoadWeights(net, data)
}

// LoadWeights fills the network's parameter buffers from a raw .weights
// image. The file starts with a version header (major, minor, revision,
// then a 32- or 64-bit seen counter depending on version); after that the
// buffers of each parameterized layer follow back to back.
func LoadWeights(net *Net, data []byte) error {
	r := &weightReader{data: data}

	major, err := r.int32()
	if err != nil {
		return fmt.Errorf("weights header: %w", err)
	}
	minor, err := r.int32()
	if err != nil {
		return fmt.Errorf("weights header: %w", err)
	}
	if _, err := r.int32(); err != nil { // revision
		return fmt.Errorf("weights header: %w", err)
	}
	seenSize := 4
	if major*10+minor >= 2 {
		seenSize = 8
	}
	if err := r.skip(seenSize); err != nil {
		return fmt.Errorf("weights header: %w", err)
	}

	for i, l := range net.Layers {
		if err := loadLayerWeights(r, l); err != nil {
			return fmt.Errorf("layer %d (%s): %w", i, l.Type, err)
		}
		slog.Debug("loaded layer weights",
			"index", i, "type", l.Type.String(),
			"weights", len(l.Weights), "biases", len(l.Biases))
	}

	if r.remaining() != 0 {
		return fmt.Errorf("weights file has %d unconsumed bytes; network does not match", r.remaining())
	}
	return nil
}

func loadLayerWeights(r *weightReader, l *Layer) error {
	switch l.Type {
	case Convolutional, Deconvolutional:
		return loadConvolutional(r, l)
	case Connected:
		return loadConnected(r, l)
	case BatchNorm:
		return loadBatchNorm(r, l, l.C)
	case RNN:
		return loadGates(r, loadConnected, l.InputLayer, l.SelfLayer, l.OutputLayer)
	case CRNN:
		return loadGates(r, loadConvolutional, l.InputLayer, l.SelfLayer, l.OutputLayer)
	case LSTM:
		return loadGates(r, loadConnected, l.Wf, l.Wi, l.Wg, l.Wo, l.Uf, l.Ui, l.Ug, l.Uo)
	case GRU:
		return loadGates(r, loadConnected, l.Wz, l.Wr, l.Wh, l.Uz, l.Ur, l.Uh)
	default:
		return nil
	}
}

func loadGates(r *weightReader, load func(*weightReader, *Layer) error, gates ...*Layer) error {
	for _, sub := range gates {
		if sub == nil {
			return fmt.Errorf("recurrent layer missing gate sub-layer")
		}
		if err := load(r, sub); err != nil {
			return err
		}
	}
	return nil
}

func loadConvolutional(r *weightReader, l *Layer) error {
	var err error
	if l.Biases, err = r.floats(l.N); err != nil {
		return err
	}
	l.NBiases = l.N
	if l.BatchNormalize && !l.DontLoadScales {
		if err := loadBatchNorm(r, l, l.N); err != nil {
			return err
		}
	}
	if l.Weights, err = r.floats(l.NWeights); err != nil {
		return err
	}
	return nil
}

func loadConnected(r *weightReader, l *Layer) error {
	var err error
	if l.Biases, err = r.floats(l.Outputs); err != nil {
		return err
	}
	l.NBiases = l.Outputs
	if l.Weights, err = r.floats(l.Outputs * l.Inputs); err != nil {
		return err
	}
	l.NWeights = l.Outputs * l.Inputs
	if l.BatchNormalize && !l.DontLoadScales {
		if err := loadBatchNorm(r, l, l.Outputs); err != nil {
			return err
		}
	}
	return nil
}

func loadBatchNorm(r *weightReader, l *Layer, size int) error {
	var err error
	if l.Scales, err = r.floats(size); err != nil {
		return err
	}
	if l.RollingMean, err = r.floats(size); err != nil {
		return err
	}
	if l.RollingVariance, err = r.floats(size); err != nil {
		return err
	}
	return nil
}

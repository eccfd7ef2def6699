package darknet

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func appendFloats(buf []byte, vals []float32) []byte {
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

func weightsHeader(major, minor int32) []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(major))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(minor))
	buf = binary.LittleEndian.AppendUint32(buf, 0) // revision
	if major*10+minor >= 2 {
		buf = binary.LittleEndian.AppendUint64(buf, 0) // seen
	} else {
		buf = binary.LittleEndian.AppendUint32(buf, 0)
	}
	return buf
}

func sequence(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func TestLoadWeightsConvolutional(t *testing.T) {
	cfg := `
[net]
width=4
height=4
channels=3

[convolutional]
batch_normalize=1
filters=2
size=3
stride=1
pad=1
activation=leaky
`
	net, err := ParseConfig(strings.NewReader(cfg))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	conv := net.Layers[0]

	buf := weightsHeader(0, 2)
	buf = appendFloats(buf, []float32{0.1, 0.2})       // biases
	buf = appendFloats(buf, []float32{1, 2})           // scales
	buf = appendFloats(buf, []float32{3, 4})           // rolling mean
	buf = appendFloats(buf, []float32{5, 6})           // rolling variance
	buf = appendFloats(buf, sequence(conv.NWeights))   // weights

	if err := LoadWeights(net, buf); err != nil {
		t.Fatalf("LoadWeights failed: %v", err)
	}

	if len(conv.Weights) != 2*3*3*3 {
		t.Fatalf("Expected %d weights, got %d", 2*3*3*3, len(conv.Weights))
	}
	if conv.Weights[5] != 5 {
		t.Errorf("Weights not in file order: got %f at index 5", conv.Weights[5])
	}
	if conv.Biases[1] != 0.2 {
		t.Errorf("Biases wrong: %v", conv.Biases)
	}
	if conv.Scales[0] != 1 || conv.RollingMean[1] != 4 || conv.RollingVariance[0] != 5 {
		t.Errorf("Batch-norm stats wrong: %v %v %v", conv.Scales, conv.RollingMean, conv.RollingVariance)
	}
}

func TestLoadWeightsConnectedAndFile(t *testing.T) {
	cfg := `
[net]
width=2
height=2
channels=1

[connected]
output=3
activation=linear
`
	net, err := ParseConfig(strings.NewReader(cfg))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	dense := net.Layers[0]

	buf := weightsHeader(0, 1) // old header: 32-bit seen
	buf = appendFloats(buf, []float32{7, 8, 9})           // biases
	buf = appendFloats(buf, sequence(dense.NWeights))     // weights

	path := filepath.Join(t.TempDir(), "model.weights")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := LoadWeightsFile(net, path); err != nil {
		t.Fatalf("LoadWeightsFile failed: %v", err)
	}

	if len(dense.Weights) != 3*4 {
		t.Fatalf("Expected 12 weights, got %d", len(dense.Weights))
	}
	if dense.Biases[2] != 9 {
		t.Errorf("Biases wrong: %v", dense.Biases)
	}
}

func TestLoadWeightsTruncated(t *testing.T) {
	cfg := `
[net]
width=2
height=2
channels=1

[connected]
output=3
activation=linear
`
	net, _ := ParseConfig(strings.NewReader(cfg))
	buf := weightsHeader(0, 2)
	buf = appendFloats(buf, []float32{7, 8}) // too short

	if err := LoadWeights(net, buf); err == nil {
		t.Fatal("Expected error for truncated weights, got nil")
	}
}

func TestLoadWeightsTrailingGarbage(t *testing.T) {
	cfg := `
[net]
width=2
height=2
channels=1

[connected]
output=1
activation=linear
`
	net, _ := ParseConfig(strings.NewReader(cfg))
	buf := weightsHeader(0, 2)
	buf = appendFloats(buf, []float32{1})           // bias
	buf = appendFloats(buf, sequence(4))            // weights
	buf = appendFloats(buf, []float32{99, 99, 99})  // extra

	if err := LoadWeights(net, buf); err == nil {
		t.Fatal("Expected error for unconsumed bytes, got nil")
	}
}

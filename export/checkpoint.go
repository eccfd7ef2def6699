// Package export persists converted networks: the symbolic graph plus its
// parameter table, either as a JSON checkpoint or as an ONNX model file.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tsawler/go-darknet/symbol"
	"github.com/tsawler/go-darknet/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Checkpoint represents a converted network: the symbolic graph description
// and every extracted parameter tensor.
type Checkpoint struct {
	Graph   GraphSpec      `json:"graph"`
	Weights []WeightTensor `json:"weights"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// GraphSpec is the serializable form of a symbolic graph: its nodes in
// creation order (inputs always precede consumers) plus the named outputs.
type GraphSpec struct {
	Nodes   []NodeSpec `json:"nodes"`
	Outputs []string   `json:"outputs"`
}

// NodeSpec describes a single graph node. Variables with a baked initial
// value, such as recurrent state buffers, carry it in Init; parameters
// held in the weight table are not duplicated here.
type NodeSpec struct {
	Op     string                 `json:"op"`
	Name   string                 `json:"name"`
	Inputs []string               `json:"inputs,omitempty"`
	Attrs  map[string]interface{} `json:"attrs,omitempty"`
	Init   *TensorSpec            `json:"init,omitempty"`
}

// TensorSpec is a baked initializer value.
type TensorSpec struct {
	Shape   []int     `json:"shape"`
	Data    []float32 `json:"data,omitempty"`
	IntData []int32   `json:"int_data,omitempty"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name    string    `json:"name"`
	Shape   []int     `json:"shape"`
	Data    []float32 `json:"data,omitempty"`
	IntData []int32   `json:"int_data,omitempty"`
	Role    string    `json:"role"` // "weight", "bias", "gamma", "beta", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Snapshot captures a converted graph and its parameter table as a
// checkpoint ready for serialization.
func Snapshot(sym *symbol.Symbol, graph *symbol.Graph, params map[string]*tensor.Tensor) (*Checkpoint, error) {
	spec := GraphSpec{Outputs: sym.ListOutputNames()}

	for _, n := range graph.Nodes() {
		if n.Op == "group" {
			continue
		}
		node := NodeSpec{Op: n.Op, Name: n.Name}
		for _, in := range n.Inputs {
			node.Inputs = append(node.Inputs, in.OutputName())
		}
		if len(n.Attrs) > 0 {
			node.Attrs = map[string]interface{}(n.Attrs)
		}
		if n.Init != nil {
			if _, tracked := params[n.Name]; !tracked {
				init := &TensorSpec{Shape: n.Init.Shape}
				if data, err := n.Init.Float32s(); err == nil {
					init.Data = data
				} else if ints, err := n.Init.Int32s(); err == nil {
					init.IntData = ints
				}
				node.Init = init
			}
		}
		spec.Nodes = append(spec.Nodes, node)
	}

	weights := make([]WeightTensor, 0, len(params))
	for name, t := range params {
		w := WeightTensor{Name: name, Shape: t.Shape, Role: roleOf(name)}
		switch t.DType {
		case tensor.Float32:
			data, err := t.Float32s()
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", name, err)
			}
			w.Data = data
		case tensor.Int32:
			data, err := t.Int32s()
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", name, err)
			}
			w.IntData = data
		default:
			return nil, fmt.Errorf("parameter %s has unsupported dtype %s", name, t.DType)
		}
		weights = append(weights, w)
	}

	return &Checkpoint{Graph: spec, Weights: weights}, nil
}

// roleOf extracts the parameter role from its table key. Keys are formed as
// opname_role, so the role is the text after the last underscore, except for
// the batch-norm statistics whose roles carry one underscore themselves.
func roleOf(name string) string {
	for _, role := range []string{"moving_mean", "moving_var"} {
		if strings.HasSuffix(name, "_"+role) {
			return role
		}
	}
	if i := strings.LastIndexByte(name, '_'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return cs.saveONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	default:
		return nil, fmt.Errorf("loading from %s format is not supported", cs.format.String())
	}
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-darknet"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ") // Pretty print JSON

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)

	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}

	return &checkpoint, nil
}

// saveONNX saves checkpoint in ONNX format
func (cs *CheckpointSaver) saveONNX(checkpoint *Checkpoint, path string) error {
	exporter := NewONNXExporter()
	return exporter.ExportToONNX(checkpoint, path)
}

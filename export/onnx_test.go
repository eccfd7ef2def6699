package export

import (
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

// scanFields walks one protobuf message, invoking fn for every field.
func scanFields(t *testing.T, data []byte, fn func(num protowire.Number, typ protowire.Type, payload []byte, varint uint64)) {
	t.Helper()
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			t.Fatal("malformed tag")
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				t.Fatal("malformed varint")
			}
			fn(num, typ, nil, v)
			data = data[n:]
		case protowire.Fixed32Type:
			_, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				t.Fatal("malformed fixed32")
			}
			fn(num, typ, nil, 0)
			data = data[n:]
		case protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				t.Fatal("malformed bytes")
			}
			fn(num, typ, b, 0)
			data = data[n:]
		default:
			t.Fatalf("unexpected wire type %v", typ)
		}
	}
}

func TestONNXExportDecodes(t *testing.T) {
	cp := testCheckpoint(t)
	path := filepath.Join(t.TempDir(), "model.onnx")

	saver := NewCheckpointSaver(FormatONNX)
	if err := saver.SaveCheckpoint(cp, path); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var irVersion uint64
	var graph []byte
	scanFields(t, data, func(num protowire.Number, typ protowire.Type, payload []byte, v uint64) {
		switch num {
		case 1:
			irVersion = v
		case 7:
			graph = payload
		}
	})
	if irVersion != onnxIRVersion {
		t.Errorf("ir_version = %d, want %d", irVersion, onnxIRVersion)
	}
	if graph == nil {
		t.Fatal("model has no graph")
	}

	var nodes, initializers, inputs, outputs int
	ops := make(map[string]bool)
	scanFields(t, graph, func(num protowire.Number, typ protowire.Type, payload []byte, v uint64) {
		switch num {
		case 1:
			nodes++
			scanFields(t, payload, func(fnum protowire.Number, ftyp protowire.Type, fp []byte, fv uint64) {
				if fnum == 4 {
					ops[string(fp)] = true
				}
			})
		case 5:
			initializers++
		case 11:
			inputs++
		case 12:
			outputs++
		}
	})

	if nodes != 2 {
		t.Errorf("graph has %d nodes, want 2 (Conv, LeakyRelu)", nodes)
	}
	if !ops["Conv"] || !ops["LeakyRelu"] {
		t.Errorf("node op types = %v, want Conv and LeakyRelu", ops)
	}
	if initializers != 2 {
		t.Errorf("graph has %d initializers, want weight and bias", initializers)
	}
	if inputs != 1 {
		t.Errorf("graph has %d inputs, want the data variable", inputs)
	}
	if outputs != 1 {
		t.Errorf("graph has %d outputs, want 1", outputs)
	}
}

func TestONNXExportUnsupportedOperator(t *testing.T) {
	cp := &Checkpoint{
		Graph: GraphSpec{
			Nodes:   []NodeSpec{{Op: "bogus", Name: "bogus0"}},
			Outputs: []string{"bogus0_output"},
		},
	}
	exporter := NewONNXExporter()
	err := exporter.ExportToONNX(cp, filepath.Join(t.TempDir(), "bad.onnx"))
	if err == nil {
		t.Fatal("expected error for unsupported operator")
	}
}

package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	G "gorgonia.org/gorgonia"
)

const tinyManifest = `{
  "name": "tiny",
  "input_shape": [0, 4, 4, 3],
  "layers": [
    {"name": "in", "kind": "input", "output_shape": [0, 4, 4, 3]},
    {"name": "conv1", "kind": "conv", "output_shape": [0, 4, 4, 2],
     "config": {"activation": "relu", "kernel": [1, 1], "strides": [1, 1], "pad": [0, 0], "filters": 2},
     "weights": [{"name": "kernel", "shape": [1, 1, 3, 2], "offset": 0},
                 {"name": "bias", "shape": [2], "offset": 24}]},
    {"name": "gap", "kind": "global_avg_pool", "output_shape": [0, 2]},
    {"name": "fc", "kind": "dense", "output_shape": [0, 1],
     "config": {"activation": "sigmoid", "units": 1},
     "weights": [{"name": "kernel", "shape": [2, 1], "offset": 32},
                 {"name": "bias", "shape": [1], "offset": 40}]}
  ]
}`

// tinyWeights: 1x1 conv passing through channels 0 and 1, then a dense layer
// averaging the two pooled channels before a sigmoid.
var tinyWeights = []float32{
	1, 0, 0, 1, 0, 0, // conv kernel HWIO (1,1,3,2)
	0, 0, // conv bias
	0.5, 0.5, // dense kernel (2,1)
	0, // dense bias
}

func writeCheckpoint(t *testing.T, manifest string, weights []float32) string {
	t.Helper()
	dir := t.TempDir()

	manifestPath := filepath.Join(dir, "tiny.json")
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, weights); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tiny.bin"), buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return manifestPath
}

func TestLoadPreparesWeights(t *testing.T) {
	path := writeCheckpoint(t, tinyManifest, tinyWeights)

	net, err := Load("tiny", path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if net.OutputWidth() != 1 {
		t.Errorf("OutputWidth = %d, want 1", net.OutputWidth())
	}

	conv := net.FindLayer("conv1")
	if conv == nil {
		t.Fatal("FindLayer(conv1) = nil")
	}
	if !conv.IsConvFamily() {
		t.Error("conv1 should be conv-family")
	}

	// HWIO (1,1,3,2) must arrive as OIHW (2,3,1,1).
	shape := conv.Weights.Kernel.Shape()
	want := []int{2, 3, 1, 1}
	for i, d := range want {
		if shape[i] != d {
			t.Fatalf("kernel shape = %v, want %v", shape, want)
		}
	}
	data := conv.Weights.Kernel.Data().([]float32)
	// OIHW flat order: (o0,i0)=1 (o0,i1)=0 (o0,i2)=0 (o1,i0)=0 (o1,i1)=1 (o1,i2)=0
	wantData := []float32{1, 0, 0, 0, 1, 0}
	for i, v := range wantData {
		if data[i] != v {
			t.Fatalf("kernel data = %v, want %v", data, wantData)
		}
	}
}

func TestLoadRejectsOutOfBoundsWeights(t *testing.T) {
	bad := `{
	  "name": "tiny", "input_shape": [0, 4, 4, 3],
	  "layers": [
	    {"name": "fc", "kind": "dense", "output_shape": [0, 1],
	     "weights": [{"name": "kernel", "shape": [100, 100], "offset": 0}]}
	  ]
	}`
	path := writeCheckpoint(t, bad, tinyWeights)
	if _, err := Load("tiny", path); err == nil {
		t.Fatal("Load: expected out-of-bounds error, got nil")
	}
}

func TestPredictTinyNetwork(t *testing.T) {
	path := writeCheckpoint(t, tinyManifest, tinyWeights)
	net, err := Load("tiny", path)
	if err != nil {
		t.Fatal(err)
	}

	// Channel 0 all ones, channel 1 all threes, channel 2 zeros.
	input := make([]float32, 3*4*4)
	for i := 0; i < 16; i++ {
		input[i] = 1
		input[16+i] = 3
	}

	rows, err := net.Predict(input)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(rows) != 1 || len(rows[0]) != 1 {
		t.Fatalf("output shape = %dx%d, want 1x1", len(rows), len(rows[0]))
	}

	// gap -> (1, 3); dense 0.5+1.5 = 2; sigmoid(2) ~ 0.8808.
	want := 1.0 / (1.0 + math.Exp(-2.0))
	if got := float64(rows[0][0]); math.Abs(got-want) > 1e-4 {
		t.Errorf("Predict = %v, want %v", got, want)
	}
}

func TestGlobalAvgPoolValues(t *testing.T) {
	path := writeCheckpoint(t, tinyManifest, tinyWeights)
	net, err := Load("tiny", path)
	if err != nil {
		t.Fatal(err)
	}

	e, err := net.Compile("gap")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	input := make([]float32, 3*4*4)
	for i := 0; i < 16; i++ {
		input[i] = 1
		input[16+i] = 3
	}
	if err := e.BindInput(input); err != nil {
		t.Fatal(err)
	}
	machine := G.NewTapeMachine(e.Graph)
	defer machine.Close()
	if err := machine.RunAll(); err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	shape := e.Activation.Shape()
	if len(shape) != 2 || shape[0] != 1 || shape[1] != 2 {
		t.Fatalf("gap shape = %v, want (1, 2)", shape)
	}

	// Per-channel spatial means of the constant feature maps.
	data := e.Activation.Value().Data().([]float32)
	want := []float32{1, 3}
	for i, v := range want {
		if math.Abs(float64(data[i]-v)) > 1e-6 {
			t.Fatalf("gap values = %v, want %v", data, want)
		}
	}
}

func TestCompileFromTap(t *testing.T) {
	path := writeCheckpoint(t, tinyManifest, tinyWeights)
	net, err := Load("tiny", path)
	if err != nil {
		t.Fatal(err)
	}

	e, err := net.CompileFrom("conv1")
	if err != nil {
		t.Fatalf("CompileFrom: %v", err)
	}

	wantShape := []int{1, 2, 4, 4}
	shape := e.Input.Shape()
	for i, d := range wantShape {
		if shape[i] != d {
			t.Fatalf("input shape = %v, want %v", shape, wantShape)
		}
	}
	if e.Activation != e.Input {
		t.Error("Activation should be the head graph's input node")
	}

	// conv1's output for the ones/threes image: channel 0 all ones,
	// channel 1 all threes.
	act := make([]float32, 2*4*4)
	for i := 0; i < 16; i++ {
		act[i] = 1
		act[16+i] = 3
	}
	if err := e.BindInput(act); err != nil {
		t.Fatal(err)
	}
	machine := G.NewTapeMachine(e.Graph)
	defer machine.Close()
	if err := machine.RunAll(); err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	rows, err := e.OutputRows()
	if err != nil {
		t.Fatal(err)
	}
	want := 1.0 / (1.0 + math.Exp(-2.0))
	if got := float64(rows[0][0]); math.Abs(got-want) > 1e-4 {
		t.Errorf("head output = %v, want %v", got, want)
	}

	if _, err := net.CompileFrom("no_such_layer"); !errors.Is(err, ErrLayerNotFound) {
		t.Errorf("CompileFrom error = %v, want ErrLayerNotFound", err)
	}
}

func TestCompileTap(t *testing.T) {
	path := writeCheckpoint(t, tinyManifest, tinyWeights)
	net, err := Load("tiny", path)
	if err != nil {
		t.Fatal(err)
	}

	e, err := net.Compile("conv1")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if e.Activation == nil {
		t.Fatal("Activation = nil, want tapped conv1 node")
	}

	if _, err := net.Compile("no_such_layer"); !errors.Is(err, ErrLayerNotFound) {
		t.Errorf("Compile error = %v, want ErrLayerNotFound", err)
	}
}

package preprocess

import (
	"errors"
	"testing"

	"gocv.io/x/gocv"
)

func testRaster(w, h int) gocv.Mat {
	mat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x + y) % 256)
			mat.SetUCharAt(y, x*3+0, v)
			mat.SetUCharAt(y, x*3+1, v)
			mat.SetUCharAt(y, x*3+2, v)
		}
	}
	return mat
}

func TestForModelShape(t *testing.T) {
	sizes := []struct{ w, h int }{
		{224, 224},
		{300, 300},
		{640, 480},
		{161, 1000},
	}

	for _, sz := range sizes {
		mat := testRaster(sz.w, sz.h)
		tensor, err := ForModel(mat, DefaultParams())
		mat.Close()
		if err != nil {
			t.Fatalf("ForModel(%dx%d): %v", sz.w, sz.h, err)
		}
		if tensor.Size != 224 {
			t.Errorf("Size = %d, want 224", tensor.Size)
		}
		if len(tensor.HWC) != 224*224*3 {
			t.Errorf("len(HWC) = %d, want %d", len(tensor.HWC), 224*224*3)
		}
	}
}

func TestForModelRangeAndReplication(t *testing.T) {
	mat := testRaster(320, 240)
	defer mat.Close()

	tensor, err := ForModel(mat, DefaultParams())
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < len(tensor.HWC); i += 3 {
		v := tensor.HWC[i]
		if v < 0 || v > 255 {
			t.Fatalf("value %v out of [0,255] at %d", v, i)
		}
		if tensor.HWC[i+1] != v || tensor.HWC[i+2] != v {
			t.Fatalf("channels not replicated at pixel %d: %v %v %v",
				i/3, v, tensor.HWC[i+1], tensor.HWC[i+2])
		}
	}
}

func TestForModelDeterministic(t *testing.T) {
	mat := testRaster(300, 300)
	defer mat.Close()

	a, err := ForModel(mat, DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	b, err := ForModel(mat, DefaultParams())
	if err != nil {
		t.Fatal(err)
	}

	for i := range a.HWC {
		if a.HWC[i] != b.HWC[i] {
			t.Fatalf("outputs differ at %d: %v vs %v", i, a.HWC[i], b.HWC[i])
		}
	}
}

func TestForModelRejectsBadChannels(t *testing.T) {
	gray := gocv.NewMatWithSize(200, 200, gocv.MatTypeCV8U)
	defer gray.Close()

	if _, err := ForModel(gray, DefaultParams()); !errors.Is(err, ErrBadChannels) {
		t.Errorf("error = %v, want ErrBadChannels", err)
	}
}

func TestNCHWLayout(t *testing.T) {
	tensor := &Tensor{Size: 2, HWC: []float32{
		// (y0,x0) rgb, (y0,x1) rgb, (y1,x0) rgb, (y1,x1) rgb
		1, 10, 100, 2, 20, 200,
		3, 30, 30, 4, 40, 40,
	}}

	got := tensor.NCHW()
	want := []float32{
		1, 2, 3, 4, // channel 0
		10, 20, 30, 40, // channel 1
		100, 200, 30, 40, // channel 2
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("NCHW[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

package codec

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chrissnell/coded/internal/ccd"
	"github.com/chrissnell/coded/internal/classify"
	"github.com/chrissnell/coded/internal/raster"
)

func TestRawImageFile(t *testing.T) {
	img := &ccd.RawImage{
		Width:  2,
		Height: 1,
		Bands:  []string{"NDFI"},
		Pixels: []ccd.RawPixel{
			{
				TStart: []float64{2000.1}, TEnd: []float64{2010.5}, TBreak: []float64{2010.6},
				ChangeProb: []float64{1}, NumObs: []float64{40},
				Bands: map[string]ccd.RawBand{
					"NDFI": {Coefs: [][]float64{{1, 2, 3, 4, 5, 6, 7, 8}}, RMSE: []float64{0.1}, Magnitude: []float64{-0.4}},
				},
			},
			{Bands: map[string]ccd.RawBand{"NDFI": {}}},
		},
	}
	path := filepath.Join(t.TempDir(), "raw.msgpack")
	if err := WriteRawImage(path, img); err != nil {
		t.Fatalf("WriteRawImage: %v", err)
	}
	got, err := ReadRawImage(path)
	if err != nil {
		t.Fatalf("ReadRawImage: %v", err)
	}
	if got.Width != 2 || got.Height != 1 || len(got.Pixels) != 2 {
		t.Fatalf("grid = %dx%d with %d pixels", got.Width, got.Height, len(got.Pixels))
	}
	if diff := cmp.Diff(img.Pixels[0], got.Pixels[0]); diff != "" {
		t.Errorf("pixel 0 mismatch (-want +got):\n%s", diff)
	}
}

func TestStackFile(t *testing.T) {
	st := raster.NewStack(3, 1)
	l := raster.NewLayer("S1_classification", 3)
	l.Set(0, 1)
	l.Set(2, 4)
	if err := st.Add(l); err != nil {
		t.Fatal(err)
	}
	if err := st.Add(raster.Filled("forestMask", 3, 1)); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "out.msgpack")
	if err := WriteStack(path, st); err != nil {
		t.Fatalf("WriteStack: %v", err)
	}
	got, err := ReadStack(path)
	if err != nil {
		t.Fatalf("ReadStack: %v", err)
	}
	if diff := cmp.Diff(st.Names(), got.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	cls, ok := got.Layer("S1_classification")
	if !ok {
		t.Fatal("decoded stack lacks S1_classification")
	}
	if v, valid := cls.At(2); !valid || v != 4 {
		t.Errorf("pixel 2 = %v,%v want 4,true", v, valid)
	}
	if _, valid := cls.At(1); valid {
		t.Error("pixel 1 should stay masked")
	}
}

func TestDecodeWrongKind(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, KindLayer, raster.Filled("x", 2, 0)); err != nil {
		t.Fatal(err)
	}
	var st raster.Stack
	if err := Decode(&buf, KindStack, &st); err == nil {
		t.Error("expected kind mismatch error")
	}
}

func TestLayerFile(t *testing.T) {
	mask := raster.NewLayer("forestMask", 4)
	mask.Set(0, 1)
	mask.Set(3, 0)
	path := filepath.Join(t.TempDir(), "mask.msgpack")
	if err := WriteLayer(path, mask); err != nil {
		t.Fatal(err)
	}
	got, err := ReadLayer(path)
	if err != nil {
		t.Fatalf("ReadLayer: %v", err)
	}
	if diff := cmp.Diff(mask, got); diff != "" {
		t.Errorf("layer mismatch (-want +got):\n%s", diff)
	}
}

func TestReadSamplesCSV(t *testing.T) {
	const doc = `col,row,year,landcover,NDFI_INTP,GV_SIN
3,4,2015,1,0.8,0.01
5,6,2016.5,2,,0.2
`
	got, err := ReadSamplesCSV(strings.NewReader(doc), "landcover")
	if err != nil {
		t.Fatalf("ReadSamplesCSV: %v", err)
	}
	want := []classify.Sample{
		{Col: 3, Row: 4, Year: 2015, Class: 1, Features: map[string]float64{"NDFI_INTP": 0.8, "GV_SIN": 0.01}},
		{Col: 5, Row: 6, Year: 2016.5, Class: 2, Features: map[string]float64{"GV_SIN": 0.2}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
}

func TestReadSamplesCSVErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing class column", "col,row,year\n1,2,2000\n"},
		{"bad row", "col,row,year,landcover\n1,x,2000,1\n"},
		{"bad feature", "col,row,year,landcover,NDFI_INTP\n1,2,2000,1,abc\n"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadSamplesCSV(strings.NewReader(tt.doc), "landcover"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

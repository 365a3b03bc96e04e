// Package codec reads and writes pipeline inputs and outputs as MessagePack
// files, and imports training samples from CSV.
package codec

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chrissnell/coded/internal/ccd"
	"github.com/chrissnell/coded/internal/classify"
	"github.com/chrissnell/coded/internal/raster"
)

// Envelope kinds.
const (
	KindRawImage = "raw-segments"
	KindStack    = "stack"
	KindLayer    = "layer"
)

const formatVersion = 1

type envelope struct {
	Kind    string             `msgpack:"kind"`
	Version int                `msgpack:"version"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Encode writes v wrapped in an envelope of the given kind.
func Encode(w io.Writer, kind string, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", kind, err)
	}
	enc := msgpack.NewEncoder(w)
	return enc.Encode(envelope{Kind: kind, Version: formatVersion, Payload: payload})
}

// Decode reads an envelope of the given kind into v.
func Decode(r io.Reader, kind string, v any) error {
	var env envelope
	if err := msgpack.NewDecoder(r).Decode(&env); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Kind != kind {
		return fmt.Errorf("file holds %q, expected %q", env.Kind, kind)
	}
	if env.Version != formatVersion {
		return fmt.Errorf("unsupported %s format version %d", kind, env.Version)
	}
	if err := msgpack.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("decoding %s: %w", kind, err)
	}
	return nil
}

func writeFile(path, kind string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := Encode(bw, kind, v); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readFile(path, kind string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Decode(bufio.NewReader(f), kind, v)
}

// ReadRawImage loads a raw segment image.
func ReadRawImage(path string) (*ccd.RawImage, error) {
	var img ccd.RawImage
	if err := readFile(path, KindRawImage, &img); err != nil {
		return nil, fmt.Errorf("reading raw segments %s: %w", path, err)
	}
	return &img, nil
}

// WriteRawImage stores a raw segment image.
func WriteRawImage(path string, img *ccd.RawImage) error {
	return writeFile(path, KindRawImage, img)
}

// ReadStack loads a layer stack.
func ReadStack(path string) (*raster.Stack, error) {
	var st raster.Stack
	if err := readFile(path, KindStack, &st); err != nil {
		return nil, fmt.Errorf("reading stack %s: %w", path, err)
	}
	for _, l := range st.Layers {
		if l.Len() != st.Pixels() || len(l.Valid) != st.Pixels() {
			return nil, fmt.Errorf("reading stack %s: layer %s does not match %dx%d grid", path, l.Name, st.Width, st.Height)
		}
	}
	return &st, nil
}

// WriteStack stores a layer stack.
func WriteStack(path string, st *raster.Stack) error {
	return writeFile(path, KindStack, st)
}

// ReadLayer loads a single layer, such as a forest mask.
func ReadLayer(path string) (*raster.Layer, error) {
	var l raster.Layer
	if err := readFile(path, KindLayer, &l); err != nil {
		return nil, fmt.Errorf("reading layer %s: %w", path, err)
	}
	if len(l.Values) != len(l.Valid) {
		return nil, fmt.Errorf("reading layer %s: %d values but %d flags", path, len(l.Values), len(l.Valid))
	}
	return &l, nil
}

// WriteLayer stores a single layer.
func WriteLayer(path string, l *raster.Layer) error {
	return writeFile(path, KindLayer, l)
}

// Required sample CSV columns. Every other column is a feature.
var sampleColumns = []string{"col", "row", "year"}

// ReadSamplesCSV parses training samples. The header must name col, row,
// year and classProperty; remaining columns become features. Empty feature
// cells are left out so those samples are later dropped.
func ReadSamplesCSV(r io.Reader, classProperty string) ([]classify.Sample, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading sample header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	for _, c := range append(sampleColumns, classProperty) {
		if _, ok := index[c]; !ok {
			return nil, fmt.Errorf("sample CSV lacks column %q", c)
		}
	}

	var samples []classify.Sample
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		var s classify.Sample
		if s.Col, err = strconv.Atoi(rec[index["col"]]); err != nil {
			return nil, fmt.Errorf("line %d col: %w", line, err)
		}
		if s.Row, err = strconv.Atoi(rec[index["row"]]); err != nil {
			return nil, fmt.Errorf("line %d row: %w", line, err)
		}
		if s.Year, err = strconv.ParseFloat(rec[index["year"]], 64); err != nil {
			return nil, fmt.Errorf("line %d year: %w", line, err)
		}
		if s.Class, err = strconv.Atoi(rec[index[classProperty]]); err != nil {
			return nil, fmt.Errorf("line %d %s: %w", line, classProperty, err)
		}

		for name, i := range index {
			if name == classProperty || isSampleColumn(name) || rec[i] == "" {
				continue
			}
			v, err := strconv.ParseFloat(rec[i], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d %s: %w", line, name, err)
			}
			if s.Features == nil {
				s.Features = make(map[string]float64)
			}
			s.Features[name] = v
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func isSampleColumn(name string) bool {
	for _, c := range sampleColumns {
		if c == name {
			return true
		}
	}
	return false
}

// Package raster holds named per-pixel layers on a shared grid.
//
// Pixels are stored row-major, index = row*Width + col. A pixel whose Valid
// flag is false is masked: it carries no value and is skipped by reductions.
package raster

import (
	"fmt"
	"regexp"
	"sync"
)

// Layer is a single named band of per-pixel values.
type Layer struct {
	Name   string    `msgpack:"name"`
	Values []float64 `msgpack:"values"`
	Valid  []bool    `msgpack:"valid"`
}

// NewLayer allocates a layer of n pixels with every pixel masked.
func NewLayer(name string, n int) *Layer {
	return &Layer{
		Name:   name,
		Values: make([]float64, n),
		Valid:  make([]bool, n),
	}
}

// Filled allocates a layer of n valid pixels all set to v.
func Filled(name string, n int, v float64) *Layer {
	l := NewLayer(name, n)
	for i := range l.Values {
		l.Values[i] = v
		l.Valid[i] = true
	}
	return l
}

// Len returns the number of pixels in the layer.
func (l *Layer) Len() int {
	return len(l.Values)
}

// Set stores v at pixel i and marks it valid.
func (l *Layer) Set(i int, v float64) {
	l.Values[i] = v
	l.Valid[i] = true
}

// Mask marks pixel i as absent.
func (l *Layer) Mask(i int) {
	l.Values[i] = 0
	l.Valid[i] = false
}

// At returns the value at pixel i and whether it is valid.
func (l *Layer) At(i int) (float64, bool) {
	return l.Values[i], l.Valid[i]
}

// CountValid returns the number of unmasked pixels.
func (l *Layer) CountValid() int {
	n := 0
	for _, ok := range l.Valid {
		if ok {
			n++
		}
	}
	return n
}

// Clone returns a deep copy renamed to name.
func (l *Layer) Clone(name string) *Layer {
	c := &Layer{
		Name:   name,
		Values: make([]float64, len(l.Values)),
		Valid:  make([]bool, len(l.Valid)),
	}
	copy(c.Values, l.Values)
	copy(c.Valid, l.Valid)
	return c
}

// Stack is an ordered collection of uniquely named layers sharing one grid.
type Stack struct {
	Width  int      `msgpack:"width"`
	Height int      `msgpack:"height"`
	Layers []*Layer `msgpack:"layers"`

	mu    sync.RWMutex
	index map[string]int
}

// NewStack creates an empty stack for a width x height grid.
func NewStack(width, height int) *Stack {
	return &Stack{
		Width:  width,
		Height: height,
		index:  make(map[string]int),
	}
}

// Pixels returns the number of pixels on the grid.
func (s *Stack) Pixels() int {
	return s.Width * s.Height
}

// Len returns the number of layers.
func (s *Stack) Len() int {
	return len(s.Layers)
}

// Add appends a layer. Names must be unique and sizes must match the grid.
func (s *Stack) Add(l *Layer) error {
	if l.Len() != s.Pixels() || len(l.Valid) != s.Pixels() {
		return fmt.Errorf("layer %s has %d pixels, stack grid has %d", l.Name, l.Len(), s.Pixels())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reindexLocked()
	if _, dup := s.index[l.Name]; dup {
		return fmt.Errorf("duplicate layer name %s", l.Name)
	}
	s.index[l.Name] = len(s.Layers)
	s.Layers = append(s.Layers, l)
	return nil
}

// Layer returns the layer with the given name.
func (s *Stack) Layer(name string) (*Layer, bool) {
	s.mu.RLock()
	if s.index != nil && len(s.index) == len(s.Layers) {
		i, ok := s.index[name]
		s.mu.RUnlock()
		if !ok {
			return nil, false
		}
		return s.Layers[i], true
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reindexLocked()
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.Layers[i], true
}

// Names returns layer names in stack order.
func (s *Stack) Names() []string {
	names := make([]string, len(s.Layers))
	for i, l := range s.Layers {
		names[i] = l.Name
	}
	return names
}

// Select returns, in stack order, every layer whose name matches re.
func (s *Stack) Select(re *regexp.Regexp) []*Layer {
	var out []*Layer
	for _, l := range s.Layers {
		if re.MatchString(l.Name) {
			out = append(out, l)
		}
	}
	return out
}

// Concat returns a new stack holding the layers of each input in order.
// Layers are shared, not copied.
func Concat(stacks ...*Stack) (*Stack, error) {
	if len(stacks) == 0 {
		return nil, fmt.Errorf("concat of zero stacks")
	}
	out := NewStack(stacks[0].Width, stacks[0].Height)
	for _, st := range stacks {
		if st.Width != out.Width || st.Height != out.Height {
			return nil, fmt.Errorf("cannot concat %dx%d stack onto %dx%d grid", st.Width, st.Height, out.Width, out.Height)
		}
		for _, l := range st.Layers {
			if err := out.Add(l); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// reindexLocked rebuilds the name index, which is absent after decoding.
func (s *Stack) reindexLocked() {
	if s.index != nil && len(s.index) == len(s.Layers) {
		return
	}
	s.index = make(map[string]int, len(s.Layers))
	for i, l := range s.Layers {
		s.index[l.Name] = i
	}
}

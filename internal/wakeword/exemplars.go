package wakeword

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"slices"

	"gennie/pkg/util"
)

const exemplarVersion = 1

// Exemplar is one labelled recording, WindowSamples long.
type Exemplar struct {
	Label string
	PCM   []float32
}

type exemplarSet struct {
	Version    int
	SampleRate int
	Labels     []string
	Examples   []Exemplar
}

func encodeExemplars(sampleRate int, labels []string, examples []Exemplar) ([]byte, error) {
	var buf bytes.Buffer

	set := exemplarSet{
		Version:    exemplarVersion,
		SampleRate: sampleRate,
		Labels:     labels,
		Examples:   examples,
	}
	if err := gob.NewEncoder(&buf).Encode(set); err != nil {
		return nil, fmt.Errorf("encode exemplars: %w", err)
	}

	return buf.Bytes(), nil
}

// decodeExemplars accepts only blobs recorded at sampleRate for exactly
// the given label set.
func decodeExemplars(blob []byte, sampleRate int, labels []string) ([]Exemplar, error) {
	var set exemplarSet
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode exemplars: %w", err)
	}

	switch {
	case set.Version != exemplarVersion:
		return nil, fmt.Errorf("unsupported exemplar version %d", set.Version)
	case set.SampleRate != sampleRate:
		return nil, fmt.Errorf("exemplars recorded at %d Hz, want %d", set.SampleRate, sampleRate)
	case !util.SameSet(set.Labels, labels):
		return nil, fmt.Errorf("exemplar labels %v do not match %v", set.Labels, labels)
	}

	for _, ex := range set.Examples {
		if !slices.Contains(labels, ex.Label) {
			return nil, fmt.Errorf("exemplar with unknown label %q", ex.Label)
		}
	}

	if len(set.Examples) == 0 {
		return nil, errors.New("exemplar set is empty")
	}

	return set.Examples, nil
}

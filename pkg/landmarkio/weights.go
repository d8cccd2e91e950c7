package landmarkio

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ReadWeights reads a landmark weight table. Each record is
// "name,weight"; a leading "Landmark,Weight" header is optional.
func ReadWeights(path string) (map[string]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open weight file: %w", err)
	}
	defer f.Close()

	w, err := DecodeWeights(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

// DecodeWeights parses a weight table from r
func DecodeWeights(r io.Reader) (map[string]float64, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	weights := make(map[string]float64)
	first := true
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("%w: weight record %q", ErrMalformedFile, strings.Join(rec, ","))
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			if first {
				// header
				first = false
				continue
			}
			return nil, fmt.Errorf("%w: weight for %s: %v", ErrMalformedFile, rec[0], err)
		}
		first = false
		if v < 0 {
			return nil, fmt.Errorf("%w: negative weight for %s", ErrMalformedFile, rec[0])
		}
		weights[strings.TrimSpace(rec[0])] = v
	}
	return weights, nil
}

// WriteWeights writes a weight table with a header, sorted by name
func WriteWeights(path string, weights map[string]float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create weight file: %w", err)
	}
	names := make([]string, 0, len(weights))
	for k := range weights {
		names = append(names, k)
	}
	sort.Strings(names)

	cw := csv.NewWriter(f)
	_ = cw.Write([]string{"Landmark", "Weight"})
	for _, name := range names {
		_ = cw.Write([]string{name, strconv.FormatFloat(weights[name], 'f', -1, 64)})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

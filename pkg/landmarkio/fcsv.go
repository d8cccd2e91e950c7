// Package landmarkio reads and writes named landmark lists in the Slicer
// markups fiducial (.fcsv) format and landmark weight tables.
//
// Files store RAS coordinates; in memory landmarks are LPS, so the first
// two coordinates are negated on the way in and out.
package landmarkio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"acpcdetect/internal/models"
)

// ErrMalformedFile is returned for unreadable landmark or weight files
var ErrMalformedFile = errors.New("malformed landmark file")

const fcsvHeader = `# Markups fiducial file version = 4.6
# CoordinateSystem = 0
# columns = id,x,y,z,ow,ox,oy,oz,vis,sel,lock,label,desc,associatedNodeID
`

// Markups files carry the label in column 11; older Slicer 3 files start
// with it.
const (
	markupsLabelColumn = 11
	markupsMinColumns  = 12
)

// ReadFCSV reads a landmark file
func ReadFCSV(path string) (models.LandmarkMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open landmark file: %w", err)
	}
	defer f.Close()

	lmks, err := DecodeFCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return lmks, nil
}

// DecodeFCSV parses landmarks from r
func DecodeFCSV(r io.Reader) (models.LandmarkMap, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	lmks := make(models.LandmarkMap)
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
		}
		line++

		label, coords := rec[0], rec[1:]
		if len(rec) >= markupsMinColumns && strings.HasPrefix(rec[0], "vtkMRML") {
			label = rec[markupsLabelColumn]
		}
		if len(coords) < 3 {
			return nil, fmt.Errorf("%w: record %d has %d fields", ErrMalformedFile, line, len(rec))
		}

		var ras [3]float64
		for i := 0; i < 3; i++ {
			ras[i], err = strconv.ParseFloat(strings.TrimSpace(coords[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: record %d: %v", ErrMalformedFile, line, err)
			}
		}
		label = strings.TrimSpace(label)
		if label == "" {
			return nil, fmt.Errorf("%w: record %d has no label", ErrMalformedFile, line)
		}
		lmks[label] = r3.Vec{X: -ras[0], Y: -ras[1], Z: ras[2]}
	}
	return lmks, nil
}

// WriteFCSV writes landmarks to path, sorted by name
func WriteFCSV(path string, lmks models.LandmarkMap) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create landmark file: %w", err)
	}
	if err := EncodeFCSV(f, lmks); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// EncodeFCSV writes landmarks to w in markups format
func EncodeFCSV(w io.Writer, lmks models.LandmarkMap) error {
	if _, err := io.WriteString(w, fcsvHeader); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	for i, name := range lmks.Names() {
		p := lmks[name]
		rec := []string{
			fmt.Sprintf("vtkMRMLMarkupsFiducialNode_%d", i),
			formatCoord(-p.X), formatCoord(-p.Y), formatCoord(p.Z),
			"0", "0", "0", "1",
			"1", "1", "0",
			name, "", "",
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCoord(v float64) string {
	// Avoid writing -0
	if v == 0 {
		v = 0
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

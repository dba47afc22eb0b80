package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

const labelColumn = "label"

// ReadCSV parses a header row of feature names followed by a trailing
// integer "label" column.
func ReadCSV(name string, r io.Reader) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = false

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("header needs at least one feature and a %s column", labelColumn)
	}
	last := len(header) - 1
	if !strings.EqualFold(strings.TrimSpace(header[last]), labelColumn) {
		return nil, fmt.Errorf("last column is %q, want %q", header[last], labelColumn)
	}

	names := make([]string, last)
	for i := range names {
		names[i] = strings.TrimSpace(header[i])
	}

	ds := &Dataset{Name: name, FeatureNames: names}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		row := make([]float64, last)
		for i := 0; i < last; i++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, names[i], err)
			}
			row[i] = v
		}
		label, err := strconv.Atoi(strings.TrimSpace(record[last]))
		if err != nil {
			return nil, fmt.Errorf("line %d label: %w", line, err)
		}
		ds.Features = append(ds.Features, row)
		ds.Labels = append(ds.Labels, label)
	}
	return ds, nil
}

// decodeReader wraps r so that it yields UTF-8 from the named IANA charset.
func decodeReader(r io.Reader, charset string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8":
		return r, nil
	}
	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil {
		return nil, fmt.Errorf("charset %q: %w", charset, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("charset %q is not supported", charset)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

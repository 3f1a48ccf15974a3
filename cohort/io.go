package cohort

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ReadTable reads a CSV table whose first record is the header.
func ReadTable(r io.Reader) (*Table, error) {

	rdr := csv.NewReader(r)
	rdr.TrimLeadingSpace = true
	rdr.ReuseRecord = false

	header, err := rdr.Read()
	if err == io.EOF {
		return nil, errors.New("cohort: empty table")
	} else if err != nil {
		return nil, fmt.Errorf("cohort: reading header: %w", err)
	}

	rows, err := rdr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("cohort: %w", err)
	}

	return &Table{Header: header, Rows: rows}, nil
}

// WriteTable writes the table as CSV.
func WriteTable(w io.Writer, tab *Table) error {
	wtr := csv.NewWriter(w)
	if err := wtr.Write(tab.Header); err != nil {
		return err
	}
	if err := wtr.WriteAll(tab.Rows); err != nil {
		return err
	}
	return wtr.Error()
}

// LoadSchema decodes and validates a YAML schema.
func LoadSchema(r io.Reader) (*Schema, error) {

	var s Schema
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return &s, nil
}

// ReadSchema reads a YAML schema file.
func ReadSchema(path string) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadSchema(f)
}

// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package readers

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/dataloader/pkg/data/instances"
	"github.com/pkg/errors"
)

// CSVReader reads one instance per row of a CSV file with a header row.
//
// TextColumn (if set) becomes a whitespace-tokenized TextField named "text".
// LabelColumn (if set) becomes a LabelField named "label". FloatColumns (if
// any) become one TensorField named "features", in the given column order.
type CSVReader struct {
	TextColumn   string
	LabelColumn  string
	FloatColumns []string

	// Namespace of the text token indexer. Defaults to "tokens".
	Namespace string
}

// Read implements DatasetReader.
func (r *CSVReader) Read(dataPath string, worker *WorkerInfo) (instances.Iterator, error) {
	if r.TextColumn == "" && r.LabelColumn == "" && len(r.FloatColumns) == 0 {
		return nil, errors.Errorf("CSVReader has no columns configured")
	}
	f, err := os.Open(dataPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", dataPath)
	}
	cr := csv.NewReader(f)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to read header of %q", dataPath)
	}
	columns := make(map[string]int, len(header))
	for idx, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = idx
	}
	for _, required := range append([]string{r.TextColumn, r.LabelColumn}, r.FloatColumns...) {
		if required == "" {
			continue
		}
		if _, ok := columns[strings.ToLower(required)]; !ok {
			_ = f.Close()
			return nil, errors.Errorf("column %q not found in header of %q (columns: %v)",
				required, dataPath, header)
		}
	}
	return &csvIterator{
		reader:  r,
		file:    f,
		csv:     cr,
		columns: columns,
		worker:  worker,
	}, nil
}

// ApplyTokenIndexers implements DatasetReader.
func (r *CSVReader) ApplyTokenIndexers(inst *instances.Instance) {
	if f, ok := inst.Field("text").(*instances.TextField); ok && f.Indexer == nil {
		namespace := r.Namespace
		if namespace == "" {
			namespace = "tokens"
		}
		f.Indexer = instances.SingleIDIndexer{Namespace: namespace}
	}
}

type csvIterator struct {
	reader  *CSVReader
	file    *os.File
	csv     *csv.Reader
	columns map[string]int
	worker  *WorkerInfo
	rowNum  int
	closed  bool
}

// Next implements instances.Iterator.
func (it *csvIterator) Next() (*instances.Instance, error) {
	if it.closed {
		return nil, io.EOF
	}
	for {
		row, err := it.csv.Read()
		if err == io.EOF {
			_ = it.Close()
			return nil, io.EOF
		}
		if err != nil {
			_ = it.Close()
			return nil, errors.Wrapf(err, "failed reading row %d of %q", it.rowNum+1, it.file.Name())
		}
		rowNum := it.rowNum
		it.rowNum++
		if !it.worker.Keep(rowNum) {
			continue
		}
		return it.rowToInstance(row, rowNum)
	}
}

func (it *csvIterator) rowToInstance(row []string, rowNum int) (*instances.Instance, error) {
	r := it.reader
	inst := instances.New()
	if r.TextColumn != "" {
		text := row[it.columns[strings.ToLower(r.TextColumn)]]
		inst.Add("text", instances.NewTextField(strings.Fields(text)...))
	}
	if r.LabelColumn != "" {
		label := strings.TrimSpace(row[it.columns[strings.ToLower(r.LabelColumn)]])
		inst.Add("label", instances.NewLabelField(label))
	}
	if len(r.FloatColumns) > 0 {
		values := make([]float32, len(r.FloatColumns))
		for ii, col := range r.FloatColumns {
			cell := strings.TrimSpace(row[it.columns[strings.ToLower(col)]])
			v, err := strconv.ParseFloat(cell, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "row %d of %q: column %q is not a float",
					rowNum+1, it.file.Name(), col)
			}
			values[ii] = float32(v)
		}
		inst.Add("features", instances.NewTensorField(values))
	}
	return inst, nil
}

// Close implements io.Closer.
func (it *csvIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.file.Close()
}

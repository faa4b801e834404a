// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package readers

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/gomlx/dataloader/pkg/data/instances"
	"github.com/pkg/errors"
)

// TextLineReader reads one instance per non-empty line of a plain text file.
// Each line is split on whitespace into the tokens of a TextField stored
// under FieldName.
type TextLineReader struct {
	// FieldName of the produced TextField. Defaults to "text".
	FieldName string

	// Namespace of the token indexer. Defaults to "tokens".
	Namespace string
}

// NewTextLineReader creates a TextLineReader with default field and
// namespace names.
func NewTextLineReader() *TextLineReader {
	return &TextLineReader{FieldName: "text", Namespace: "tokens"}
}

// Read implements DatasetReader.
func (r *TextLineReader) Read(dataPath string, worker *WorkerInfo) (instances.Iterator, error) {
	f, err := os.Open(dataPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", dataPath)
	}
	return &textLineIterator{
		reader:  r,
		file:    f,
		scanner: bufio.NewScanner(f),
		worker:  worker,
	}, nil
}

// ApplyTokenIndexers implements DatasetReader.
func (r *TextLineReader) ApplyTokenIndexers(inst *instances.Instance) {
	if f, ok := inst.Field(r.fieldName()).(*instances.TextField); ok && f.Indexer == nil {
		f.Indexer = instances.SingleIDIndexer{Namespace: r.namespace()}
	}
}

func (r *TextLineReader) fieldName() string {
	if r.FieldName == "" {
		return "text"
	}
	return r.FieldName
}

func (r *TextLineReader) namespace() string {
	if r.Namespace == "" {
		return "tokens"
	}
	return r.Namespace
}

type textLineIterator struct {
	reader  *TextLineReader
	file    *os.File
	scanner *bufio.Scanner
	worker  *WorkerInfo
	lineNum int
	closed  bool
}

// Next implements instances.Iterator.
func (it *textLineIterator) Next() (*instances.Instance, error) {
	if it.closed {
		return nil, io.EOF
	}
	for it.scanner.Scan() {
		line := strings.TrimSpace(it.scanner.Text())
		if line == "" {
			continue
		}
		lineNum := it.lineNum
		it.lineNum++
		if !it.worker.Keep(lineNum) {
			continue
		}
		return instances.New().
			Add(it.reader.fieldName(), instances.NewTextField(strings.Fields(line)...)), nil
	}
	err := it.scanner.Err()
	_ = it.Close()
	if err != nil {
		return nil, errors.Wrapf(err, "failed reading %q", it.file.Name())
	}
	return nil, io.EOF
}

// Close implements io.Closer.
func (it *textLineIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.file.Close()
}

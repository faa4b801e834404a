// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package instances defines the in-memory representation of training examples
// used by the loaders: an Instance is a named collection of fields, which are
// converted to integer ids with a Vocabulary ("indexing") and finally collated
// into batches of tensors.
//
// Indexing is always in-place and idempotent: indexing an already indexed
// field is a no-op. This is what allows the same Instance to be cached and
// served over multiple epochs, or to be indexed on either side of a worker
// boundary.
package instances

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Reserved ids, by convention the first two entries of every namespace.
const (
	// PadID is the id used to pad variable-length fields during collation.
	PadID int32 = 0

	// UnknownID is the id returned for out-of-vocabulary tokens.
	UnknownID int32 = 1
)

// Vocabulary maps tokens to integer ids, per named namespace.
// It is shared by reference across readers, loaders and workers, and is
// expected to be read-only once the loaders start iterating.
type Vocabulary interface {
	// IndexFor returns the id of token in the given namespace, or UnknownID
	// if the token is not known.
	IndexFor(namespace, token string) int32
}

// MapVocabulary is a trivial map-backed Vocabulary, useful for tests and
// small corpora. The first axis is the namespace, the second the token.
type MapVocabulary map[string]map[string]int32

// IndexFor implements Vocabulary.
func (v MapVocabulary) IndexFor(namespace, token string) int32 {
	tokens, ok := v[namespace]
	if !ok {
		return UnknownID
	}
	id, ok := tokens[token]
	if !ok {
		return UnknownID
	}
	return id
}

// TokenIndexer converts the tokens of a TextField to ids. A reader attaches
// its indexers to the fields it produces in DatasetReader.ApplyTokenIndexers
// -- fields must not carry one while being handed over from a worker pipeline
// (see the loaders package), so encoder state is not duplicated per worker.
type TokenIndexer interface {
	Encode(tokens []string, vocab Vocabulary) []int32
}

// SingleIDIndexer is the default TokenIndexer: each token maps to exactly one
// id in Namespace.
type SingleIDIndexer struct {
	Namespace string
}

// Encode implements TokenIndexer.
func (x SingleIDIndexer) Encode(tokens []string, vocab Vocabulary) []int32 {
	ids := make([]int32, len(tokens))
	for ii, token := range tokens {
		ids[ii] = vocab.IndexFor(x.Namespace, token)
	}
	return ids
}

// Field is one named value of an Instance.
type Field interface {
	// Index populates the vocabulary-dependent numeric values of the field,
	// in-place. It must be idempotent: once indexed, further calls are no-ops.
	Index(vocab Vocabulary)

	// Indexed reports whether Index has already run.
	Indexed() bool

	// Tensor returns the field value as a tensor. It fails if the field has
	// not been indexed yet.
	Tensor() (*tensors.Tensor, error)
}

// TextField is a sequence of string tokens, indexed to a sequence of int32
// ids. Indexer is optional: when nil, Index falls back to a SingleIDIndexer
// on the "tokens" namespace.
type TextField struct {
	Tokens []string

	// Indexer is normally attached by DatasetReader.ApplyTokenIndexers.
	Indexer TokenIndexer

	ids []int32
}

// NewTextField creates a TextField from the given tokens, not yet indexed.
func NewTextField(tokens ...string) *TextField {
	return &TextField{Tokens: tokens}
}

// Index implements Field.
func (f *TextField) Index(vocab Vocabulary) {
	if f.ids != nil {
		return
	}
	indexer := f.Indexer
	if indexer == nil {
		indexer = SingleIDIndexer{Namespace: "tokens"}
	}
	f.ids = indexer.Encode(f.Tokens, vocab)
}

// Indexed implements Field.
func (f *TextField) Indexed() bool { return f.ids != nil }

// IDs returns the token ids. It returns nil if the field was not indexed yet.
func (f *TextField) IDs() []int32 { return f.ids }

// Len returns the number of tokens.
func (f *TextField) Len() int { return len(f.Tokens) }

// Tensor implements Field: shape [len(Tokens)], dtype Int32.
func (f *TextField) Tensor() (*tensors.Tensor, error) {
	if f.ids == nil {
		return nil, errors.Errorf("TextField has not been indexed with a vocabulary yet")
	}
	return tensors.FromFlatDataAndDimensions(f.ids, len(f.ids)), nil
}

// LabelField is one categorical label, indexed to a scalar id.
type LabelField struct {
	Label     string
	Namespace string

	id      int32
	indexed bool
}

// NewLabelField creates a LabelField on the default "labels" namespace.
func NewLabelField(label string) *LabelField {
	return &LabelField{Label: label, Namespace: "labels"}
}

// Index implements Field.
func (f *LabelField) Index(vocab Vocabulary) {
	if f.indexed {
		return
	}
	f.id = vocab.IndexFor(f.Namespace, f.Label)
	f.indexed = true
}

// Indexed implements Field.
func (f *LabelField) Indexed() bool { return f.indexed }

// ID returns the label id. Only valid after indexing.
func (f *LabelField) ID() int32 { return f.id }

// Tensor implements Field: a scalar Int32.
func (f *LabelField) Tensor() (*tensors.Tensor, error) {
	if !f.indexed {
		return nil, errors.Errorf("LabelField %q has not been indexed with a vocabulary yet", f.Label)
	}
	return tensors.FromScalar(f.id), nil
}

// TensorField holds raw numeric features, with no vocabulary dependency --
// e.g. float columns of a CSV record. Indexing it is a no-op.
type TensorField struct {
	Values     []float32
	Dimensions []int
}

// NewTensorField creates a TensorField. If no dimensions are given, the field
// is a vector of len(values).
func NewTensorField(values []float32, dimensions ...int) *TensorField {
	if len(dimensions) == 0 {
		dimensions = []int{len(values)}
	}
	return &TensorField{Values: values, Dimensions: dimensions}
}

// Index implements Field; it is a no-op for raw numeric data.
func (f *TensorField) Index(_ Vocabulary) {}

// Indexed implements Field.
func (f *TensorField) Indexed() bool { return true }

// Tensor implements Field.
func (f *TensorField) Tensor() (*tensors.Tensor, error) {
	if len(f.Values) == 0 {
		return nil, errors.Errorf("TensorField is empty")
	}
	return tensors.FromFlatDataAndDimensions(f.Values, f.Dimensions...), nil
}

// Instance is one training example: a named set of fields. It is created by a
// DatasetReader, indexed with a Vocabulary, and grouped into batches by a
// loader.
type Instance struct {
	fields map[string]Field
}

// New creates an empty Instance. Use Add to populate it.
func New() *Instance {
	return &Instance{fields: make(map[string]Field)}
}

// Add sets the field under the given name and returns the Instance, so calls
// can be cascaded.
func (in *Instance) Add(name string, field Field) *Instance {
	in.fields[name] = field
	return in
}

// Field returns field name, or nil if absent.
func (in *Instance) Field(name string) Field {
	return in.fields[name]
}

// FieldNames returns the sorted field names. Sorted order is what makes
// collation deterministic.
func (in *Instance) FieldNames() []string {
	return xslices.SortedKeys(in.fields)
}

// NumFields returns the number of fields.
func (in *Instance) NumFields() int { return len(in.fields) }

// IndexFields indexes every field of the Instance with the given vocabulary,
// in-place. Idempotent.
func (in *Instance) IndexFields(vocab Vocabulary) {
	for _, field := range in.fields {
		field.Index(vocab)
	}
}

// Indexed reports whether every field has been indexed.
func (in *Instance) Indexed() bool {
	for _, field := range in.fields {
		if !field.Indexed() {
			return false
		}
	}
	return true
}

package query

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned by a renderer when a pipeline uses a shape the
// backend cannot express.
var ErrUnsupported = errors.New("unsupported pipeline")

// Stage is one step of a Pipeline.
type Stage interface {
	stageName() string
}

// Match keeps records satisfying Filter.
type Match struct {
	Filter Filter
}

// SortKey orders by one field.
type SortKey struct {
	Field string
	Desc  bool
}

// Sort orders records.
type Sort struct {
	Keys []SortKey
}

// Skip drops the first N records.
type Skip struct {
	N int64
}

// Limit keeps at most N records.
type Limit struct {
	N int64
}

// Lookup joins records of another collection into field As.
//
// The plain form joins on LocalField == ForeignField. The correlated form
// lists conditions in On, each comparing a field of the joined collection
// with a field of the outer record or with a literal. Pipeline holds stages
// run on the joined collection (Match, nested Lookup, Unwind); nested
// lookups see the joined record as their outer record.
type Lookup struct {
	From         string
	As           string
	LocalField   string
	ForeignField string
	On           []Correlation
	Pipeline     []Stage
}

// Correlation is a condition "joined.Field == Ref".
type Correlation struct {
	Field string
	Ref   Operand
}

// Operand is either a field of the outer record or a literal value.
type Operand struct {
	field   string
	value   any
	isField bool
}

// Outer references a field of the outer record.
func Outer(field string) Operand {
	return Operand{field: field, isField: true}
}

// Literal references a constant value.
func Literal(value any) Operand {
	return Operand{value: value}
}

// IsField reports whether the operand references the outer record.
func (o Operand) IsField() bool { return o.isField }

// Field returns the referenced outer field.
func (o Operand) Field() string { return o.field }

// Value returns the literal value.
func (o Operand) Value() any { return o.value }

// On builds a correlation.
func On(field string, ref Operand) Correlation {
	return Correlation{Field: field, Ref: ref}
}

// Unwind flattens the array at Path to one record per element.
// With PreserveEmpty a record with no element is kept with Path unset;
// otherwise it is dropped.
type Unwind struct {
	Path          string
	PreserveEmpty bool
}

// Project keeps only the listed field paths.
type Project struct {
	Fields []string
}

func (Match) stageName() string   { return "match" }
func (Sort) stageName() string    { return "sort" }
func (Skip) stageName() string    { return "skip" }
func (Limit) stageName() string   { return "limit" }
func (Lookup) stageName() string  { return "lookup" }
func (Unwind) stageName() string  { return "unwind" }
func (Project) stageName() string { return "project" }

// Pipeline is an ordered list of stages over a root collection.
type Pipeline struct {
	Collection string
	Stages     []Stage
}

// From starts a pipeline on collection.
func From(collection string) *Pipeline {
	return &Pipeline{Collection: collection}
}

// Match appends a filter stage.
func (p *Pipeline) Match(preds ...Predicate) *Pipeline {
	return p.append(Match{Filter: Where(preds...)})
}

// Sort appends an ordering stage.
func (p *Pipeline) Sort(keys ...SortKey) *Pipeline {
	return p.append(Sort{Keys: keys})
}

// Skip appends a skip stage.
func (p *Pipeline) Skip(n int64) *Pipeline {
	return p.append(Skip{N: n})
}

// Limit appends a limit stage.
func (p *Pipeline) Limit(n int64) *Pipeline {
	return p.append(Limit{N: n})
}

// Lookup appends a join stage.
func (p *Pipeline) Lookup(l Lookup) *Pipeline {
	return p.append(l)
}

// Unwind appends a flatten stage.
func (p *Pipeline) Unwind(path string, preserveEmpty bool) *Pipeline {
	return p.append(Unwind{Path: path, PreserveEmpty: preserveEmpty})
}

// Project appends a field selection stage.
func (p *Pipeline) Project(fields ...string) *Pipeline {
	return p.append(Project{Fields: fields})
}

func (p *Pipeline) append(s Stage) *Pipeline {
	p.Stages = append(p.Stages, s)
	return p
}

// Asc orders by field ascending.
func Asc(field string) SortKey { return SortKey{Field: field} }

// Desc orders by field descending.
func Desc(field string) SortKey { return SortKey{Field: field, Desc: true} }

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}

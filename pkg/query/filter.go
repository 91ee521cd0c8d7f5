// Package query describes reads and writes against the membership
// collections independently of the storage engine.
//
// A Filter selects records of one collection, an Update describes an atomic
// single-record mutation, and a Pipeline is an ordered list of stages
// (match, sort, skip, limit, lookup, unwind, project) that builds a
// composite view across collections. Each backend renders these values:
// SQL renders them for PostgreSQL, BSON for MongoDB.
package query

// Op is a predicate operator.
type Op int

const (
	// OpEq matches records whose field equals the value.
	OpEq Op = iota
	// OpContains matches records whose array field holds the value.
	OpContains
	// OpUnsetOrGt matches records whose field is null or greater than the
	// value.
	OpUnsetOrGt
)

// Predicate is a single condition on a field.
type Predicate struct {
	Field string
	Op    Op
	Value any
}

// Eq builds an equality predicate.
func Eq(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpEq, Value: value}
}

// Contains builds an array-membership predicate.
func Contains(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpContains, Value: value}
}

// UnsetOrGt builds a predicate matching a null field or one greater than
// value.
func UnsetOrGt(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpUnsetOrGt, Value: value}
}

// Filter is a conjunction of predicates. The empty filter matches everything.
type Filter []Predicate

// Where builds a Filter from predicates.
func Where(preds ...Predicate) Filter {
	return Filter(preds)
}

// And returns a new filter with preds appended.
func (f Filter) And(preds ...Predicate) Filter {
	out := make(Filter, 0, len(f)+len(preds))
	out = append(out, f...)
	return append(out, preds...)
}

// MutationOp is an update operator.
type MutationOp int

const (
	// OpSet replaces the field value.
	OpSet MutationOp = iota
	// OpAddToSet appends the value to an array field unless already present.
	OpAddToSet
	// OpPull removes every occurrence of the value from an array field.
	OpPull
)

// Mutation is one field change within an Update.
type Mutation struct {
	Field string
	Op    MutationOp
	Value any
}

// Update is an atomic set of mutations applied to one record.
type Update []Mutation

// Set builds a replacing mutation.
func Set(field string, value any) Mutation {
	return Mutation{Field: field, Op: OpSet, Value: value}
}

// AddToSet builds a set-insert mutation on an array field.
func AddToSet(field string, value any) Mutation {
	return Mutation{Field: field, Op: OpAddToSet, Value: value}
}

// Pull builds a set-remove mutation on an array field.
func Pull(field string, value any) Mutation {
	return Mutation{Field: field, Op: OpPull, Value: value}
}

// Apply builds an Update from mutations.
func Apply(mutations ...Mutation) Update {
	return Update(mutations)
}

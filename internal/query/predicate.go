// Package query implements the tagged-variant predicate AST the store
// contract's QueryDocuments consumes (SPEC_FULL.md §9 design note). The
// engine's own merge/replication code never constructs predicates; this
// package exists so a query-layer collaborator (spec.md §1 — external to
// the core) has a small, typed builder instead of passing raw closures
// across the store boundary.
package query

// Predicate is a node in the predicate AST. The marker method keeps the
// variant set closed to this package.
type Predicate interface {
	predicate()
}

// Field starts a builder for predicates over a single document field.
// Fields are addressed by dotted path into the parsed JSON body (e.g.
// "address.city"); the store implementation is responsible for resolving
// the path against a document's Body.
func Field(path string) Builder {
	return Builder{path: path}
}

// Builder is a fluent helper for constructing comparison predicates.
type Builder struct {
	path string
}

func (b Builder) Eq(value any) *EqPredicate { return &EqPredicate{Path: b.path, Value: value} }
func (b Builder) Lt(value any) *LtPredicate { return &LtPredicate{Path: b.path, Value: value} }
func (b Builder) Gt(value any) *GtPredicate { return &GtPredicate{Path: b.path, Value: value} }

// EqPredicate matches documents whose field at Path equals Value.
type EqPredicate struct {
	Path  string
	Value any
}

func (*EqPredicate) predicate() {}

// LtPredicate matches documents whose field at Path is less than Value.
type LtPredicate struct {
	Path  string
	Value any
}

func (*LtPredicate) predicate() {}

// GtPredicate matches documents whose field at Path is greater than Value.
type GtPredicate struct {
	Path  string
	Value any
}

func (*GtPredicate) predicate() {}

// And matches documents satisfying every child predicate.
type And struct {
	Children []Predicate
}

func (*And) predicate() {}

// Or matches documents satisfying at least one child predicate. An Or
// with no children matches every document.
type Or struct {
	Children []Predicate
}

func (*Or) predicate() {}

// Not inverts a child predicate.
type Not struct {
	Child Predicate
}

func (*Not) predicate() {}

// AllOf is a convenience constructor for And.
func AllOf(preds ...Predicate) *And { return &And{Children: preds} }

// AnyOf is a convenience constructor for Or.
func AnyOf(preds ...Predicate) *Or { return &Or{Children: preds} }

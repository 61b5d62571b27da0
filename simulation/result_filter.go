package simulation

import "github.com/ethereum/go-ethereum/common"

// Predicate is a test over one execution result.
type Predicate interface {
	Match(res *ExecutionResult) bool
}

type PredicateFunc func(res *ExecutionResult) bool

func (f PredicateFunc) Match(res *ExecutionResult) bool {
	return f(res)
}

var (
	Identity  Predicate = PredicateFunc(func(*ExecutionResult) bool { return true })
	IsSuccess Predicate = PredicateFunc(func(res *ExecutionResult) bool { return res.Kind == Success })
	// Reverted matches explicit reverts only, not halts
	Reverted Predicate = PredicateFunc(func(res *ExecutionResult) bool { return res.Kind == Revert })
)

// AccountTouched matches results that modified the state of addr.
func AccountTouched(addr common.Address) Predicate {
	return PredicateFunc(func(res *ExecutionResult) bool {
		return res.Touched(addr)
	})
}

// Filter selects results. Every Filter preserves the relative order of its input.
type Filter interface {
	Filter(results []*ExecutionResult) []*ExecutionResult
}

type rootFilter struct {
	p Predicate
}

func Root(p Predicate) Filter {
	return rootFilter{p: p}
}

func (f rootFilter) Filter(results []*ExecutionResult) []*ExecutionResult {
	return selectResults(results, f.p.Match)
}

type andFilter struct {
	inner      Filter
	predicates []Predicate
}

// And applies inner to the results that satisfy all predicates. A nil inner is the identity.
func And(inner Filter, predicates ...Predicate) Filter {
	return andFilter{inner: inner, predicates: predicates}
}

func (f andFilter) Filter(results []*ExecutionResult) []*ExecutionResult {
	selected := selectResults(results, func(res *ExecutionResult) bool {
		for _, p := range f.predicates {
			if !p.Match(res) {
				return false
			}
		}
		return true
	})
	return applyInner(f.inner, selected)
}

type orFilter struct {
	inner      Filter
	predicates []Predicate
}

// Or applies inner to the results that satisfy any of the predicates. A nil inner is the identity.
func Or(inner Filter, predicates ...Predicate) Filter {
	return orFilter{inner: inner, predicates: predicates}
}

func (f orFilter) Filter(results []*ExecutionResult) []*ExecutionResult {
	selected := selectResults(results, func(res *ExecutionResult) bool {
		for _, p := range f.predicates {
			if p.Match(res) {
				return true
			}
		}
		return false
	})
	return applyInner(f.inner, selected)
}

func selectResults(results []*ExecutionResult, keep func(*ExecutionResult) bool) []*ExecutionResult {
	res := make([]*ExecutionResult, 0, len(results))
	for _, r := range results {
		if keep(r) {
			res = append(res, r)
		}
	}
	return res
}

func applyInner(inner Filter, results []*ExecutionResult) []*ExecutionResult {
	if inner == nil {
		return results
	}
	return inner.Filter(results)
}

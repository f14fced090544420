// Package collection provides the small ordered-slice helpers shared by the
// registry and the vault. Removal always preserves order because iteration
// order of adapter lists is behaviourally significant.
package collection

import (
	"errors"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

var (
	// ErrNotFound is returned when a searched element is absent.
	ErrNotFound = errors.New("collection: element not found")
	// ErrOutOfRange is returned for an index outside the slice.
	ErrOutOfRange = errors.New("collection: index out of range")
	// ErrLengthMismatch is returned when parallel slices differ in length.
	ErrLengthMismatch = errors.New("collection: length mismatch")
)

// RemoveAt removes s[i] in place, shifting the tail left by one.
func RemoveAt[T any](s []T, i int) ([]T, error) {
	if i < 0 || i >= len(s) {
		return s, fmt.Errorf("%w: %d (len %d)", ErrOutOfRange, i, len(s))
	}
	copy(s[i:], s[i+1:])
	var zero T
	s[len(s)-1] = zero
	return s[:len(s)-1], nil
}

// IndexOf returns the index of the first element equal to v.
func IndexOf[T comparable](s []T, v T) (int, error) {
	for i, e := range s {
		if e == v {
			return i, nil
		}
	}
	return -1, ErrNotFound
}

// Remove deletes the first element equal to v, preserving order.
func Remove[T comparable](s []T, v T) ([]T, error) {
	i, err := IndexOf(s, v)
	if err != nil {
		return s, err
	}
	return RemoveAt(s, i)
}

// Score is the ordering constraint for SortDescending.
type Score[S any] interface {
	Cmp(S) int
}

// SortDescending sorts keys and scores in place by score, highest first.
// Equal scores keep their original relative order.
func SortDescending[K any, S Score[S]](keys []K, scores []S) error {
	if len(keys) != len(scores) {
		return fmt.Errorf("%w: %d keys and %d scores", ErrLengthMismatch, len(keys), len(scores))
	}
	sort.Stable(&parallel[K, S]{keys: keys, scores: scores})
	return nil
}

type parallel[K any, S Score[S]] struct {
	keys   []K
	scores []S
}

func (p *parallel[K, S]) Len() int           { return len(p.keys) }
func (p *parallel[K, S]) Less(i, j int) bool { return p.scores[i].Cmp(p.scores[j]) > 0 }
func (p *parallel[K, S]) Swap(i, j int) {
	p.keys[i], p.keys[j] = p.keys[j], p.keys[i]
	p.scores[i], p.scores[j] = p.scores[j], p.scores[i]
}

// SetToSlice materializes set into a slice ordered by less, so that callers
// see a deterministic order regardless of map iteration.
func SetToSlice[T comparable](set mapset.Set[T], less func(a, b T) bool) []T {
	out := set.ToSlice()
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

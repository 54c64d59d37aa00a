package engine

import (
	"sort"
	"strings"

	"github.com/McLeuker/mcleukerai-sub000/internal/models"
)

// searchQueue is a priority-ordered queue of pending searches. Lower priority
// values run earlier; equal priorities keep insertion order. Queries are
// deduplicated case-insensitively across the whole task so gap-filling can
// never re-add a search that already ran.
type searchQueue struct {
	pending []models.SearchSpec
	seen    map[string]struct{}
}

func newSearchQueue() *searchQueue {
	return &searchQueue{seen: make(map[string]struct{})}
}

func (q *searchQueue) Push(specs ...models.SearchSpec) {
	for _, spec := range specs {
		key := strings.ToLower(strings.TrimSpace(spec.Query))
		if key == "" {
			continue
		}
		if _, dup := q.seen[key]; dup {
			continue
		}
		q.seen[key] = struct{}{}
		q.pending = append(q.pending, spec)
	}
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].Priority < q.pending[j].Priority
	})
}

// PopN removes and returns up to n specs from the front.
func (q *searchQueue) PopN(n int) []models.SearchSpec {
	if n > len(q.pending) {
		n = len(q.pending)
	}
	out := q.pending[:n:n]
	q.pending = q.pending[n:]
	return out
}

func (q *searchQueue) Len() int { return len(q.pending) }

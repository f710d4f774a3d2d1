package queue

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	v1 "github.com/crewmux/crewmux/pkg/api/v1"
)

// Popping the ready heap must yield tasks in (priority, creation time) order
// regardless of insertion order and interleaved removals.
func TestHeapOrderingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		aq := newAgentQueue()
		base := time.Unix(1700000000, 0)

		n := rapid.IntRange(0, 50).Draw(t, "n")
		type spec struct {
			id       string
			priority v1.TaskPriority
			created  time.Time
		}
		specs := make([]spec, 0, n)
		for i := 0; i < n; i++ {
			s := spec{
				id:       rapid.StringMatching(`t[0-9]{4}`).Draw(t, "id"),
				priority: v1.TaskPriority(rapid.IntRange(0, 4).Draw(t, "priority")),
				created:  base.Add(time.Duration(rapid.Int64Range(0, 1e9).Draw(t, "offset"))),
			}
			if _, dup := aq.entries[s.id]; dup {
				continue
			}
			aq.push(s.id, s.priority, s.created)
			specs = append(specs, s)
		}

		// Remove a random subset.
		byID := make(map[string]spec, len(specs))
		for _, s := range specs {
			byID[s.id] = s
		}
		removals := rapid.IntRange(0, len(specs)).Draw(t, "removals")
		for i := 0; i < removals && len(specs) > 0; i++ {
			idx := rapid.IntRange(0, len(specs)-1).Draw(t, "idx")
			aq.remove(specs[idx].id)
			delete(byID, specs[idx].id)
			specs = append(specs[:idx], specs[idx+1:]...)
		}

		var prev *spec
		for {
			id, ok := aq.pop()
			if !ok {
				break
			}
			cur := byID[id]
			if prev != nil {
				if cur.priority < prev.priority {
					t.Fatalf("popped %s (priority %d) after %s (priority %d)",
						cur.id, cur.priority, prev.id, prev.priority)
				}
				if cur.priority == prev.priority && cur.created.Before(prev.created) {
					t.Fatalf("popped %s before older sibling %s at equal priority",
						prev.id, cur.id)
				}
			}
			s := cur
			prev = &s
			delete(byID, id)
		}
		if len(byID) != 0 {
			t.Fatalf("%d tasks never popped", len(byID))
		}
	})
}

// Backoff must stay within [0.5, 1.5) of min(2^attempt, 60) seconds.
func TestRetryBackoffBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		attempt := rapid.IntRange(0, 100).Draw(t, "attempt")
		delay := retryBackoff(attempt)

		base := 60 * time.Second
		if attempt < 6 {
			base = time.Duration(1<<uint(attempt)) * time.Second
		}
		min := time.Duration(float64(base) * 0.5)
		max := time.Duration(float64(base) * 1.5)
		if delay < min || delay >= max {
			t.Fatalf("attempt %d: backoff %s outside [%s, %s)", attempt, delay, min, max)
		}
	})
}

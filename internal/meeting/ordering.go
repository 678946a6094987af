package meeting

import (
	"math/rand/v2"
	"sort"
	"time"
)

// SortOrderStep is the gap left between consecutive task sort orders so a
// client can drop a card between two others without renumbering.
const SortOrderStep = 1 << 14

// SortItem is the minimum a task needs to be ordered.
type SortItem struct {
	ID        string
	CreatedAt time.Time
}

type SortAssignment struct {
	ID        string
	SortOrder float64
}

// EndMeetingSortOrders places the tasks produced during a meeting above
// everything already on the board (base is the current highest sort order).
// Tasks are ranked by creation time, then id, so the result depends only on
// the set of tasks and never on the order they were read in. Boards list higher
// sort orders first, so the earliest task ends up on top.
func EndMeetingSortOrders(items []SortItem, base float64) []SortAssignment {
	ordered := make([]SortItem, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	assignments := make([]SortAssignment, len(ordered))
	n := len(ordered)
	for i, item := range ordered {
		assignments[i] = SortAssignment{
			ID:        item.ID,
			SortOrder: base + float64(n-i)*SortOrderStep,
		}
	}
	return assignments
}

// ShuffleCheckInOrder returns the member ids in a uniformly random order; a
// member's check-in order is its index in the result.
func ShuffleCheckInOrder(memberIDs []string, rng *rand.Rand) []string {
	shuffled := make([]string, len(memberIDs))
	copy(shuffled, memberIDs)
	if rng == nil {
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		return shuffled
	}
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}

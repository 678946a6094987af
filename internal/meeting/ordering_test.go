package meeting

import (
	"math/rand/v2"
	"reflect"
	"sort"
	"testing"
	"time"
)

func TestEndMeetingSortOrdersIsStable(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	items := []SortItem{
		{ID: "c", CreatedAt: now.Add(2 * time.Minute)},
		{ID: "a", CreatedAt: now},
		{ID: "b", CreatedAt: now},
	}

	first := EndMeetingSortOrders(items, 100)
	reversed := []SortItem{items[2], items[1], items[0]}
	second := EndMeetingSortOrders(reversed, 100)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected order independent of input, got %+v vs %+v", first, second)
	}

	again := EndMeetingSortOrders(items, 100)
	if !reflect.DeepEqual(first, again) {
		t.Fatalf("expected identical result on rerun, got %+v vs %+v", first, again)
	}

	want := []SortAssignment{
		{ID: "a", SortOrder: 100 + 3*SortOrderStep},
		{ID: "b", SortOrder: 100 + 2*SortOrderStep},
		{ID: "c", SortOrder: 100 + 1*SortOrderStep},
	}
	if !reflect.DeepEqual(first, want) {
		t.Fatalf("unexpected assignments %+v", first)
	}
}

func TestEndMeetingSortOrdersDoesNotMutateInput(t *testing.T) {
	now := time.Now()
	items := []SortItem{{ID: "z", CreatedAt: now}, {ID: "y", CreatedAt: now}}
	_ = EndMeetingSortOrders(items, 0)
	if items[0].ID != "z" {
		t.Fatal("input slice was reordered")
	}
}

func TestShuffleCheckInOrderIsPermutation(t *testing.T) {
	members := []string{"m1", "m2", "m3", "m4", "m5"}
	rng := rand.New(rand.NewPCG(1, 2))
	shuffled := ShuffleCheckInOrder(members, rng)

	got := append([]string(nil), shuffled...)
	sort.Strings(got)
	if !reflect.DeepEqual(got, members) {
		t.Fatalf("expected a permutation of members, got %v", shuffled)
	}
	if members[0] != "m1" {
		t.Fatal("input slice was shuffled in place")
	}
}

func TestShuffleCheckInOrderIsRoughlyUniform(t *testing.T) {
	members := []string{"a", "b", "c"}
	rng := rand.New(rand.NewPCG(42, 7))
	firsts := map[string]int{}
	const rounds = 3000
	for i := 0; i < rounds; i++ {
		firsts[ShuffleCheckInOrder(members, rng)[0]]++
	}
	for _, member := range members {
		if firsts[member] < rounds/3-200 || firsts[member] > rounds/3+200 {
			t.Fatalf("member %s led %d of %d rounds", member, firsts[member], rounds)
		}
	}
}

func TestEndMeetingSortOrdersPutsEarliestOnTopAboveBoard(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	got := EndMeetingSortOrders([]SortItem{
		{ID: "late", CreatedAt: now.Add(time.Hour)},
		{ID: "early", CreatedAt: now},
	}, 5000)

	orders := map[string]float64{}
	for _, a := range got {
		orders[a.ID] = a.SortOrder
		if a.SortOrder <= 5000 {
			t.Fatalf("%s sorted below the existing board: %v", a.ID, a.SortOrder)
		}
	}
	if orders["early"] <= orders["late"] {
		t.Fatalf("earliest task should sort first, got %v", orders)
	}
}

package meeting

import (
	"math/rand/v2"
	"reflect"
	"testing"
	"time"
)

func boolPtr(v bool) *bool { return &v }

func TestSnapshotTasksOrdersByCreation(t *testing.T) {
	now := time.Now()
	tasks := []TaskInput{
		{ID: "team-1::b", Content: "B", Status: "active", TeamMemberID: "u2::team-1", CreatedAt: now.Add(time.Minute)},
		{ID: "team-1::a", Content: "A", Status: "done", Tags: []string{"private"}, TeamMemberID: "u1::team-1", CreatedAt: now},
	}

	snapshot := SnapshotTasks("mtg-1", tasks)
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(snapshot))
	}
	if snapshot[0].ID != "mtg-1::team-1::a" || snapshot[1].ID != "mtg-1::team-1::b" {
		t.Fatalf("unexpected snapshot ids %q, %q", snapshot[0].ID, snapshot[1].ID)
	}
	if snapshot[1].Tags == nil {
		t.Fatal("expected empty tags instead of nil")
	}
}

func TestInviteesOrderedByNameWithPresence(t *testing.T) {
	tasks := []SnapshotTask{
		{ID: "m::t1", TeamMemberID: "u1::team"},
		{ID: "m::t2", TeamMemberID: "u2::team"},
		{ID: "m::t3", TeamMemberID: "u1::team"},
	}
	members := []MemberInput{
		{ID: "u1::team", PreferredName: "Zed", IsNotRemoved: true, IsCheckedIn: boolPtr(true)},
		{ID: "u2::team", PreferredName: "Amy", IsNotRemoved: true},
		{ID: "u3::team", PreferredName: "Bob", IsNotRemoved: false, IsCheckedIn: boolPtr(true)},
		{ID: "u4::team", PreferredName: "Cat", IsNotRemoved: true, IsCheckedIn: boolPtr(false)},
	}

	invitees := Invitees(members, tasks)
	var names []string
	for _, invitee := range invitees {
		names = append(names, invitee.PreferredName)
	}
	if !reflect.DeepEqual(names, []string{"Amy", "Cat", "Zed"}) {
		t.Fatalf("unexpected invitee order %v", names)
	}
	if invitees[0].Present || invitees[1].Present || !invitees[2].Present {
		t.Fatalf("unexpected presence flags %+v", invitees)
	}
	if len(invitees[2].Tasks) != 2 || len(invitees[0].Tasks) != 1 || len(invitees[1].Tasks) != 0 {
		t.Fatalf("unexpected task grouping %+v", invitees)
	}
	if invitees[1].Tasks == nil {
		t.Fatal("expected empty task list, got nil")
	}

	if got := PresentUserIDs(invitees); !reflect.DeepEqual(got, []string{"u1"}) {
		t.Fatalf("PresentUserIDs() = %v", got)
	}
}

func TestCheckInCopyIsStableForWeek(t *testing.T) {
	week := WeekOfYear(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))
	if week != 2 {
		t.Fatalf("expected ISO week 2, got %d", week)
	}
	if CheckInGreeting(week, "team-1") != CheckInGreeting(week, "team-1") {
		t.Fatal("greeting changed within the same week")
	}
	if CheckInQuestion(week, "team-1") == "" {
		t.Fatal("expected a check-in question")
	}
	if CheckInGreeting(week, "team-1") == CheckInGreeting(week+1, "team-1") {
		t.Fatal("expected greeting to rotate between weeks")
	}
}

func TestSuccessCopy(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	if SuccessExpression(rng) == "" || SuccessStatement(rng) == "" {
		t.Fatal("expected success copy")
	}
}

func TestHasTag(t *testing.T) {
	if !HasTag([]string{"private", "archived"}, "#archived") {
		t.Fatal("expected archived tag to match")
	}
	if HasTag([]string{"private"}, "archived") {
		t.Fatal("did not expect archived tag")
	}
}

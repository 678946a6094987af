package meeting

import (
	"sort"
	"strings"
	"time"

	"parabol/api/internal/util"
)

// MemberInput is a team member as read at the end of a meeting.
type MemberInput struct {
	ID            string
	UserID        string
	Picture       string
	PreferredName string
	IsNotRemoved  bool
	IsCheckedIn   *bool
}

// TaskInput is a task attached to an agenda item processed in the meeting.
type TaskInput struct {
	ID           string
	Content      string
	Status       string
	Tags         []string
	TeamMemberID string
	CreatedAt    time.Time
}

// SnapshotTask is a task frozen onto the meeting record. Its id is prefixed
// with the meeting id so it never collides with the live task.
type SnapshotTask struct {
	ID           string   `json:"id"`
	Content      string   `json:"content"`
	Status       string   `json:"status"`
	Tags         []string `json:"tags"`
	TeamMemberID string   `json:"teamMemberId"`
}

type Invitee struct {
	ID            string         `json:"id"`
	Picture       string         `json:"picture"`
	PreferredName string         `json:"preferredName"`
	Present       bool           `json:"present"`
	Tasks         []SnapshotTask `json:"tasks"`
}

// SnapshotTasks freezes the meeting's tasks in creation order.
func SnapshotTasks(meetingID string, tasks []TaskInput) []SnapshotTask {
	ordered := make([]TaskInput, len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	snapshot := make([]SnapshotTask, 0, len(ordered))
	for _, task := range ordered {
		tags := task.Tags
		if tags == nil {
			tags = []string{}
		}
		snapshot = append(snapshot, SnapshotTask{
			ID:           util.CompositeID(meetingID, task.ID),
			Content:      task.Content,
			Status:       task.Status,
			Tags:         tags,
			TeamMemberID: task.TeamMemberID,
		})
	}
	return snapshot
}

// Invitees lists the active members ordered by preferred name, each carrying
// the snapshot tasks they own. A member was present if they checked in.
func Invitees(members []MemberInput, tasks []SnapshotTask) []Invitee {
	active := make([]MemberInput, 0, len(members))
	for _, member := range members {
		if member.IsNotRemoved {
			active = append(active, member)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].PreferredName != active[j].PreferredName {
			return active[i].PreferredName < active[j].PreferredName
		}
		return active[i].ID < active[j].ID
	})

	invitees := make([]Invitee, 0, len(active))
	for _, member := range active {
		owned := []SnapshotTask{}
		for _, task := range tasks {
			if task.TeamMemberID == member.ID {
				owned = append(owned, task)
			}
		}
		invitees = append(invitees, Invitee{
			ID:            member.ID,
			Picture:       member.Picture,
			PreferredName: member.PreferredName,
			Present:       member.IsCheckedIn != nil && *member.IsCheckedIn,
			Tasks:         owned,
		})
	}
	return invitees
}

// PresentUserIDs returns the user ids of invitees that attended.
func PresentUserIDs(invitees []Invitee) []string {
	var userIDs []string
	for _, invitee := range invitees {
		if !invitee.Present {
			continue
		}
		userID, _, ok := util.SplitCompositeID(invitee.ID)
		if !ok {
			userID = invitee.ID
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs
}

// HasTag reports whether tags contains tag, ignoring a leading '#'.
func HasTag(tags []string, tag string) bool {
	tag = strings.TrimPrefix(tag, "#")
	for _, candidate := range tags {
		if strings.TrimPrefix(candidate, "#") == tag {
			return true
		}
	}
	return false
}

package util

import (
	"strings"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

const CompositeSeparator = "::"

// NewID returns a random UUID, optionally prefixed ("ntf_…").
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// ShortID returns a compact, sortable identifier used for meetings and the
// local half of task ids.
func ShortID() string {
	return xid.New().String()
}

// CompositeID joins two ids the way team members (userId::teamId), tasks
// (teamId::shortId) and meeting snapshots (meetingId::taskId) are keyed.
func CompositeID(left, right string) string {
	return left + CompositeSeparator + right
}

// SplitCompositeID is the inverse of CompositeID.
func SplitCompositeID(id string) (string, string, bool) {
	left, right, ok := strings.Cut(id, CompositeSeparator)
	if !ok || left == "" || right == "" {
		return "", "", false
	}
	return left, right, true
}

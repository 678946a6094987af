package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultTask       ResultType = "task"
	ResultAgendaItem ResultType = "agendaItem"
)

const (
	tagPrivate  = "private"
	tagArchived = "archived"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	TeamID  string     `json:"teamId"`
	UserID  string     `json:"userId,omitempty"`
	Status  string     `json:"status,omitempty"`
	Tags    []string   `json:"tags,omitempty"`
	Snippet string     `json:"snippet"`
}

// Query describes a search request. TeamIDs is the caller's team list; hits
// outside it are never returned.
type Query struct {
	Text            string
	TeamIDs         []string
	UserID          string
	FilterType      ResultType
	FilterStatus    string
	IncludeArchived bool
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// TaskRecord is the data we index for a task.
type TaskRecord struct {
	DocID        string   `json:"docId,omitempty"`
	ID           string   `json:"id"`
	TeamID       string   `json:"teamId"`
	UserID       string   `json:"userId"`
	TeamMemberID string   `json:"teamMemberId"`
	Status       string   `json:"status"`
	Tags         []string `json:"tags"`
	PlainText    string   `json:"plainText"`
}

// AgendaItemRecord is the data we index for an agenda item.
type AgendaItemRecord struct {
	DocID    string `json:"docId,omitempty"`
	ID       string `json:"id"`
	TeamID   string `json:"teamId"`
	Content  string `json:"content"`
	IsActive bool   `json:"isActive"`
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

package search

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const (
	idxTasks       = "parabol_tasks"
	idxAgendaItems = "parabol_agenda_items"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. A failed
// first health check leaves it unhealthy; the health loop keeps probing.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("search: meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxTasks,
			filterable: []string{"teamId", "userId", "status", "tags"},
			searchable: []string{"plainText"},
		},
		{
			uid:        idxAgendaItems,
			filterable: []string{"teamId", "isActive"},
			searchable: []string{"content"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idx.uid, PrimaryKey: "docId"}); err != nil {
			m.logger.Debug("search: create index (may already exist)", zap.String("index", idx.uid), zap.Error(err))
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.logger.Warn("search: update filterable attrs", zap.String("index", idx.uid), zap.Error(err))
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.logger.Warn("search: update searchable attrs", zap.String("index", idx.uid), zap.Error(err))
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// taskFilter scopes a task search to the caller's teams and hides private
// tasks owned by someone else.
func taskFilter(q Query) []string {
	filters := []string{teamFilter(q.TeamIDs)}
	filters = append(filters, fmt.Sprintf("(NOT tags = %q OR userId = %q)", tagPrivate, q.UserID))
	if !q.IncludeArchived {
		filters = append(filters, fmt.Sprintf("NOT tags = %q", tagArchived))
	}
	if q.FilterStatus != "" {
		filters = append(filters, fmt.Sprintf("status = %q", q.FilterStatus))
	}
	return filters
}

func teamFilter(teamIDs []string) string {
	quoted := make([]string, len(teamIDs))
	for i, teamID := range teamIDs {
		quoted[i] = fmt.Sprintf("%q", teamID)
	}
	return "teamId IN [" + strings.Join(quoted, ", ") + "]"
}

// Search queries the task and agenda indexes (or one of them) and merges the
// results.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if len(q.TeamIDs) == 0 {
		return nil, 0, nil
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	if q.FilterType == "" || q.FilterType == ResultTask {
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              idxTasks,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"plainText"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
			Filter:                taskFilter(q),
		})
	}
	if q.FilterType == "" || q.FilterType == ResultAgendaItem {
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              idxAgendaItems,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"content"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
			Filter:                []string{teamFilter(q.TeamIDs)},
		})
	}
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxTasks:
		return ResultTask
	case idxAgendaItems:
		return ResultAgendaItem
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.TeamID = decodeString(hit, "teamId")

	switch rtyp {
	case ResultTask:
		r.UserID = decodeString(hit, "userId")
		r.Status = decodeString(hit, "status")
		r.Tags = decodeStrings(hit, "tags")
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "plainText"), decodeString(hit, "plainText"))
	case ResultAgendaItem:
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "content"), decodeString(hit, "content"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeStrings(hit meili.Hit, key string) []string {
	raw, ok := hit[key]
	if !ok {
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	return values
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var value string
	if err := json.Unmarshal(formatted[key], &value); err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// documentID maps an entity id onto Meilisearch's primary key alphabet; task
// ids contain "::" which it rejects.
func documentID(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func (m *Meili) IndexTasks(tasks []TaskRecord) error {
	if len(tasks) == 0 {
		return nil
	}
	docs := make([]TaskRecord, len(tasks))
	for i, task := range tasks {
		task.DocID = documentID(task.ID)
		docs[i] = task
	}
	_, err := m.client.Index(idxTasks).AddDocuments(docs, nil)
	return err
}

func (m *Meili) IndexAgendaItems(items []AgendaItemRecord) error {
	if len(items) == 0 {
		return nil
	}
	docs := make([]AgendaItemRecord, len(items))
	for i, item := range items {
		item.DocID = documentID(item.ID)
		docs[i] = item
	}
	_, err := m.client.Index(idxAgendaItems).AddDocuments(docs, nil)
	return err
}

func (m *Meili) DeleteTask(id string) error {
	_, err := m.client.Index(idxTasks).DeleteDocument(documentID(id), nil)
	return err
}

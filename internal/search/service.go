package search

import (
	"context"

	"go.uber.org/zap"
)

type indexBackend interface {
	Searcher
	IndexTasks(tasks []TaskRecord) error
	IndexAgendaItems(items []AgendaItemRecord) error
	DeleteTask(id string) error
}

type recordSource interface {
	Searcher
	LoadAllRecords(ctx context.Context) ([]TaskRecord, []AgendaItemRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	index    indexBackend
	fallback recordSource
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	s := &Service{logger: logger}
	if meili != nil {
		s.index = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: sanitizeResults(results, q), Total: total, Query: q.Text}
		}
		s.logger.Warn("search: meilisearch error, falling back to pgfts", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("search: pgfts error", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: sanitizeResults(results, q), Total: total, Query: q.Text}
}

// IndexTasks pushes tasks to Meilisearch without blocking the caller.
func (s *Service) IndexTasks(tasks ...TaskRecord) {
	if !s.indexReady() || len(tasks) == 0 {
		return
	}
	go func() {
		if err := s.index.IndexTasks(tasks); err != nil {
			s.logger.Warn("search: index tasks", zap.Int("count", len(tasks)), zap.Error(err))
		}
	}()
}

func (s *Service) IndexAgendaItem(item AgendaItemRecord) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.IndexAgendaItems([]AgendaItemRecord{item}); err != nil {
			s.logger.Warn("search: index agenda item", zap.String("id", item.ID), zap.Error(err))
		}
	}()
}

func (s *Service) DeleteTask(id string) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.DeleteTask(id); err != nil {
			s.logger.Warn("search: delete task", zap.String("id", id), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG reads every searchable row from PostgreSQL and pushes it to
// Meilisearch. It blocks; callers run it from a job.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.indexReady() || s.fallback == nil {
		return
	}
	tasks, items, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("search: reindex load failed", zap.Error(err))
		return
	}
	if err := s.index.IndexTasks(tasks); err != nil {
		s.logger.Error("search: reindex tasks", zap.Error(err))
	}
	if err := s.index.IndexAgendaItems(items); err != nil {
		s.logger.Error("search: reindex agenda items", zap.Error(err))
	}
	s.logger.Info("search: reindex complete", zap.Int("tasks", len(tasks)), zap.Int("agenda_items", len(items)))
}

// sanitizeResults re-applies the visibility rules on whatever a backend
// returned: only the caller's teams, and private tasks only for their owner.
func sanitizeResults(results []Result, q Query) []Result {
	teams := make(map[string]struct{}, len(q.TeamIDs))
	for _, teamID := range q.TeamIDs {
		teams[teamID] = struct{}{}
	}
	filtered := make([]Result, 0, len(results))
	for _, result := range results {
		if _, ok := teams[result.TeamID]; !ok {
			continue
		}
		if result.Type == ResultTask && hasTag(result.Tags, tagPrivate) && result.UserID != q.UserID {
			continue
		}
		filtered = append(filtered, result)
	}
	return filtered
}

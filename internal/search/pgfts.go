package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over tasks and agenda items using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.TeamIDs) == 0 {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.TeamIDs}
	argN := 3

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultTask {
		taskWhere := "t.search_vector @@ " + tsQuery + " AND t.team_id = ANY($2)" +
			fmt.Sprintf(" AND (NOT ('private' = ANY(t.tags)) OR t.user_id = $%d)", argN)
		args = append(args, q.UserID)
		argN++
		if !q.IncludeArchived {
			taskWhere += " AND NOT ('archived' = ANY(t.tags))"
		}
		if q.FilterStatus != "" {
			taskWhere += fmt.Sprintf(" AND t.status = $%d", argN)
			args = append(args, q.FilterStatus)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'task'::text AS type, t.id, t.team_id, t.user_id, t.status, to_jsonb(t.tags)::text AS tags,
				ts_headline('english', t.plain_text, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(t.search_vector, %s) AS rank
			FROM tasks t
			WHERE %s`, tsQuery, tsQuery, taskWhere))
	}
	if q.FilterType == "" || q.FilterType == ResultAgendaItem {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'agendaItem'::text AS type, a.id, a.team_id, ''::text AS user_id, ''::text AS status, '[]'::text AS tags,
				ts_headline('english', a.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(to_tsvector('english', a.content), %s) AS rank
			FROM agenda_items a
			WHERE to_tsvector('english', a.content) @@ %s AND a.team_id = ANY($2)`, tsQuery, tsQuery, tsQuery))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, team_id, user_id, status, tags, snippet
		FROM (%s) sub
		ORDER BY rank DESC, id ASC
		LIMIT %d OFFSET %d`, union, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r    Result
			typ  string
			tags []byte
		)
		if err := rows.Scan(&typ, &r.ID, &r.TeamID, &r.UserID, &r.Status, &tags, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		if err := json.Unmarshal(tags, &r.Tags); err != nil {
			return nil, 0, fmt.Errorf("pgfts tags: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]TaskRecord, []AgendaItemRecord, error) {
	taskRows, err := p.db.QueryContext(ctx, `
		SELECT id, team_id, user_id, team_member_id, status, to_jsonb(tags)::text, plain_text
		FROM tasks
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load tasks: %w", err)
	}
	defer taskRows.Close()

	tasks := make([]TaskRecord, 0)
	for taskRows.Next() {
		var (
			t    TaskRecord
			tags []byte
		)
		if err := taskRows.Scan(&t.ID, &t.TeamID, &t.UserID, &t.TeamMemberID, &t.Status, &tags, &t.PlainText); err != nil {
			return nil, nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal(tags, &t.Tags); err != nil {
			return nil, nil, fmt.Errorf("decode task tags: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := taskRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate tasks: %w", err)
	}

	agendaRows, err := p.db.QueryContext(ctx, `SELECT id, team_id, content, is_active FROM agenda_items`)
	if err != nil {
		return nil, nil, fmt.Errorf("load agenda items: %w", err)
	}
	defer agendaRows.Close()

	items := make([]AgendaItemRecord, 0)
	for agendaRows.Next() {
		var a AgendaItemRecord
		if err := agendaRows.Scan(&a.ID, &a.TeamID, &a.Content, &a.IsActive); err != nil {
			return nil, nil, fmt.Errorf("scan agenda item: %w", err)
		}
		items = append(items, a)
	}
	if err := agendaRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate agenda items: %w", err)
	}

	return tasks, items, nil
}

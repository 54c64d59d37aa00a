package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/McLeuker/mcleukerai-sub000/internal/models"
)

// ErrNotFound is returned when a task id has no row.
var ErrNotFound = errors.New("store: not found")

// SaveTask upserts the task row. The task id is the idempotency key, so
// replaying a write after a queue fallback is harmless.
func (s *Store) SaveTask(ctx context.Context, task *models.ResearchTask) error {
	query := `
		INSERT INTO research_tasks (
			id, user_id, conversation_id, query, category, phase,
			answer, credits_used, error_message, created_at, completed_at
		) VALUES (
			:id, :user_id, :conversation_id, :query, :category, :phase,
			:answer, :credits_used, :error_message, :created_at, :completed_at
		)
		ON CONFLICT (id) DO UPDATE SET
			phase = EXCLUDED.phase,
			answer = EXCLUDED.answer,
			credits_used = EXCLUDED.credits_used,
			error_message = EXCLUDED.error_message,
			completed_at = EXCLUDED.completed_at`

	if _, err := s.db.NamedExecContext(ctx, query, task); err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*models.ResearchTask, error) {
	var task models.ResearchTask
	err := s.db.GetContext(ctx, &task, `
		SELECT id, user_id, conversation_id, query, category, phase,
		       answer, credits_used, error_message, created_at, completed_at
		FROM research_tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &task, nil
}

// SaveSources upserts the task's source set keyed by (task_id, url). Relevance
// and provenance only ever move up, matching the in-memory upgrade rule.
func (s *Store) SaveSources(ctx context.Context, taskID string, sources []models.Source) error {
	if len(sources) == 0 {
		return nil
	}
	query := `
		INSERT INTO research_sources (
			task_id, url, title, snippet, source_type, relevance, confidence, found_at, scraped
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id, url) DO UPDATE SET
			title = EXCLUDED.title,
			source_type = EXCLUDED.source_type,
			relevance = GREATEST(research_sources.relevance, EXCLUDED.relevance),
			confidence = EXCLUDED.confidence,
			scraped = research_sources.scraped OR EXCLUDED.scraped`

	for _, src := range sources {
		_, err := s.db.ExecContext(ctx, query,
			taskID, src.URL, src.Title, src.Snippet, src.Type,
			src.Relevance, src.Confidence, src.FoundAt, src.Scraped,
		)
		if err != nil {
			return fmt.Errorf("save source %s: %w", src.URL, err)
		}
	}
	return nil
}

// ListSources returns the persisted sources for a task ordered by relevance.
func (s *Store) ListSources(ctx context.Context, taskID string) ([]models.Source, error) {
	var sources []models.Source
	err := s.db.SelectContext(ctx, &sources, `
		SELECT url, title, snippet, source_type, relevance, confidence, found_at, scraped
		FROM research_sources
		WHERE task_id = $1
		ORDER BY relevance DESC, url ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list sources for %s: %w", taskID, err)
	}
	return sources, nil
}

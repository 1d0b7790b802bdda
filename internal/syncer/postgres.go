package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

// PostgresGateway stores completions in the lesson_completions table. The
// composite primary key makes every write a set insertion; a repeated write
// only updates the score and time spent it carries.
type PostgresGateway struct {
	pool *pgxpool.Pool
}

func NewPostgresGateway(pool *pgxpool.Pool) (*PostgresGateway, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresGateway{pool: pool}, nil
}

func (g *PostgresGateway) RecordCompletion(ctx context.Context, cred Credential, req WriteRequest) error {
	if err := cred.Validate(); err != nil {
		return terminal("record", req.CourseID, req.LessonID, err)
	}
	if err := req.Validate(); err != nil {
		return terminal("record", req.CourseID, req.LessonID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := g.pool.Exec(ctx,
		`INSERT INTO lesson_completions (learner_id, course_id, lesson_id, score, time_spent, completed_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (learner_id, course_id, lesson_id) DO UPDATE SET
		   score = COALESCE(EXCLUDED.score, lesson_completions.score),
		   time_spent = COALESCE(EXCLUDED.time_spent, lesson_completions.time_spent)`,
		cred.LearnerID,
		req.CourseID,
		req.LessonID,
		req.Score,
		req.TimeSpent,
	)
	if err != nil {
		return pgError("record", req.CourseID, req.LessonID, fmt.Errorf("insert completion: %w", err))
	}
	return nil
}

func (g *PostgresGateway) FetchCompletion(ctx context.Context, cred Credential, courseID string) (CompletionResponse, error) {
	if err := cred.Validate(); err != nil {
		return CompletionResponse{}, terminal("fetch", courseID, "", err)
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := g.pool.Query(ctx,
		`SELECT lesson_id, score FROM lesson_completions
		 WHERE learner_id = $1 AND course_id = $2
		 ORDER BY completed_at, lesson_id`,
		cred.LearnerID,
		courseID,
	)
	if err != nil {
		return CompletionResponse{}, pgError("fetch", courseID, "", fmt.Errorf("query completions: %w", err))
	}
	defer rows.Close()

	resp := CompletionResponse{CompletedLessons: []string{}}
	for rows.Next() {
		var (
			id    string
			score *int
		)
		if err := rows.Scan(&id, &score); err != nil {
			return CompletionResponse{}, pgError("fetch", courseID, "", fmt.Errorf("scan completion: %w", err))
		}
		resp.CompletedLessons = append(resp.CompletedLessons, id)
		if score != nil {
			if resp.Scores == nil {
				resp.Scores = make(map[string]int)
			}
			resp.Scores[id] = *score
		}
	}
	if err := rows.Err(); err != nil {
		return CompletionResponse{}, pgError("fetch", courseID, "", fmt.Errorf("iterate completions: %w", err))
	}
	return resp, nil
}

// pgError treats integrity (23) and syntax or schema (42) failures as
// terminal. Everything else is assumed to be a connectivity problem.
func pgError(op, courseID, lessonID string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "42")) {
		return terminal(op, courseID, lessonID, err)
	}
	return classify(op, courseID, lessonID, err)
}

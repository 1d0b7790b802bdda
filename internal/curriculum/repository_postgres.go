package curriculum

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

// PostgresRepository stores one JSON document per course.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a PostgreSQL-backed course repository.
func NewPostgresRepository(pool *pgxpool.Pool) (*PostgresRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) SaveCourse(ctx context.Context, c Course) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	data, err := json.Marshal(ToDocument(c))
	if err != nil {
		return fmt.Errorf("marshal course: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO course_documents (course_id, version, document, updated_at)
		 VALUES ($1, $2, $3::jsonb, NOW())
		 ON CONFLICT (course_id) DO UPDATE
		 SET version = EXCLUDED.version,
		     document = EXCLUDED.document,
		     updated_at = NOW()`,
		c.ID,
		c.Version,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("upsert course document: %w", err)
	}
	return nil
}

func (r *PostgresRepository) LoadCourses(ctx context.Context) ([]Course, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT course_id, version, document FROM course_documents ORDER BY course_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query course documents: %w", err)
	}
	defer rows.Close()

	var courses []Course
	for rows.Next() {
		var (
			id      string
			version int
			data    []byte
		)
		if err := rows.Scan(&id, &version, &data); err != nil {
			return nil, fmt.Errorf("scan course document: %w", err)
		}
		course, err := DecodeDocument(data, id)
		if err != nil {
			return nil, fmt.Errorf("decode course %q: %w", id, err)
		}
		course.ID = id
		course.Version = version
		courses = append(courses, course)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate course documents: %w", err)
	}
	return courses, nil
}

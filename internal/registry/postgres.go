package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Postgres persists the roster in a students table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a registry over an open pgx-backed *sql.DB.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the students table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS students (
			student_id     TEXT PRIMARY KEY,
			name           TEXT NOT NULL DEFAULT '',
			shift          TEXT NOT NULL DEFAULT '',
			program        TEXT NOT NULL DEFAULT '',
			admission_year INTEGER NOT NULL DEFAULT 0,
			current_year   INTEGER NOT NULL DEFAULT 0,
			is_active      BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate students: %w", err)
	}
	return nil
}

func (p *Postgres) Lookup(ctx context.Context, id string) (*Student, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT student_id, name, shift, program, admission_year, current_year, is_active
		FROM students WHERE student_id = $1
	`, strings.TrimSpace(id))
	var st Student
	if err := row.Scan(&st.ID, &st.Name, &st.Shift, &st.Program, &st.AdmissionYear, &st.CurrentYear, &st.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

func (p *Postgres) List(ctx context.Context) ([]Student, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT student_id, name, shift, program, admission_year, current_year, is_active
		FROM students
		ORDER BY student_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []Student
	for rows.Next() {
		var st Student
		if err := rows.Scan(&st.ID, &st.Name, &st.Shift, &st.Program, &st.AdmissionYear, &st.CurrentYear, &st.Active); err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

// Replace upserts every student and deactivates the ones no longer listed.
func (p *Postgres) Replace(ctx context.Context, students []Student) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]string, 0, len(students))
	for _, st := range students {
		if st.ID == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO students (student_id, name, shift, program, admission_year, current_year, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (student_id) DO UPDATE SET
				name = EXCLUDED.name,
				shift = EXCLUDED.shift,
				program = EXCLUDED.program,
				admission_year = EXCLUDED.admission_year,
				current_year = EXCLUDED.current_year,
				is_active = EXCLUDED.is_active,
				updated_at = NOW()
		`, st.ID, st.Name, st.Shift, st.Program, st.AdmissionYear, st.CurrentYear, st.Active)
		if err != nil {
			return fmt.Errorf("upsert student %s: %w", st.ID, err)
		}
		ids = append(ids, st.ID)
	}

	if len(ids) > 0 {
		placeholders := make([]string, len(ids))
		args := make([]any, len(ids))
		for i, id := range ids {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = id
		}
		query := `UPDATE students SET is_active = FALSE, updated_at = NOW() WHERE student_id NOT IN (` +
			strings.Join(placeholders, ",") + `)`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("deactivate students: %w", err)
		}
	}
	return tx.Commit()
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const queryTimeout = 5 * time.Second

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

func openDB(cfg config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.db.dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.db.maxOpenConnections)
	db.SetMaxIdleConns(cfg.db.maxIdleConnections)
	db.SetConnMaxIdleTime(cfg.db.maxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// storage is the shared relational store for users and tasks.
type storage struct {
	db *sql.DB
}

func newStorage(db *sql.DB) *storage {
	return &storage{
		db: db,
	}
}

func (s *storage) getUserByName(ctx context.Context, name string) (*user, error) {
	query := `SELECT id, created_at, name, email, password_hash, role
			  FROM users
			  WHERE name = $1`
	return s.getUser(ctx, query, name)
}

func (s *storage) getUserByID(ctx context.Context, id int) (*user, error) {
	query := `SELECT id, created_at, name, email, password_hash, role
			  FROM users
			  WHERE id = $1`
	return s.getUser(ctx, query, id)
}

// getUser returns nil, nil when no row matches.
func (s *storage) getUser(ctx context.Context, query string, arg any) (*user, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var u user
	var r string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.CreatedAt, &u.Name, &u.Email, &u.PasswordHash, &r)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, nil
		default:
			return nil, err
		}
	}
	u.Role, err = parseRole(r)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *storage) userExists(ctx context.Context, name, email string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM users WHERE name = $1 OR email = $2)`

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := s.db.QueryRowContext(ctx, query, name, email).Scan(&exists)
	return exists, err
}

// insertUser fills in the id and creation time. A duplicate name or email
// yields errConflict.
func (s *storage) insertUser(ctx context.Context, u *user) error {
	query := `INSERT INTO users (name, email, password_hash, role)
			  VALUES ($1, $2, $3, $4)
			  RETURNING id, created_at`

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, query, u.Name, u.Email, u.PasswordHash, string(u.Role))
	err := row.Scan(&u.ID, &u.CreatedAt)
	if isUniqueViolation(err) {
		return errConflict
	}
	return err
}

func (s *storage) insertTask(ctx context.Context, t *task) error {
	query := `INSERT INTO tasks (name, due_date, posted_date, priority, status, user_id)
			  VALUES ($1, $2, $3, $4, $5, $6)
			  RETURNING id`

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, query, t.Name, t.DueDate.Time, t.PostedDate.Time, t.Priority, string(t.Status), t.UserID)
	return row.Scan(&t.ID)
}

func (s *storage) listTasks(ctx context.Context) ([]*task, error) {
	query := `SELECT id, name, due_date, posted_date, priority, status, user_id
			  FROM tasks
			  ORDER BY id ASC`

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// modifyTask locks the task row, lets decide inspect it and applies the
// returned change in the same transaction. Nothing is written when decide
// fails.
func (s *storage) modifyTask(ctx context.Context, id int, decide func(t *task) (taskChange, error)) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `SELECT id, name, due_date, posted_date, priority, status, user_id
			  FROM tasks
			  WHERE id = $1
			  FOR UPDATE`
	t, err := scanTask(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound
		}
		return err
	}

	change, err := decide(t)
	if err != nil {
		return err
	}

	switch change {
	case taskUnchanged:
		return nil
	case taskMarkComplete:
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = $1 WHERE id = $2`, string(statusComplete), id)
	case taskRemove:
		_, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	default:
		return fmt.Errorf("unknown task change %d", change)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task, error) {
	var t task
	var status string
	var due, posted time.Time
	err := row.Scan(&t.ID, &t.Name, &due, &posted, &t.Priority, &status, &t.UserID)
	if err != nil {
		return nil, err
	}
	t.DueDate = newDate(due)
	t.PostedDate = newDate(posted)
	t.Status = taskStatus(status)
	return &t, nil
}

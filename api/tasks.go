package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/thejerf/abtime"
)

type taskChange int

const (
	taskUnchanged taskChange = iota
	taskMarkComplete
	taskRemove
)

type taskStore interface {
	insertTask(ctx context.Context, t *task) error
	listTasks(ctx context.Context) ([]*task, error)
	modifyTask(ctx context.Context, id int, decide func(t *task) (taskChange, error)) error
}

type taskInput struct {
	Name       string `json:"name"`
	DueDate    string `json:"due_date"`
	PostedDate string `json:"posted_date"`
	Priority   int    `json:"priority"`
}

// taskManager decides who may see the controls of, complete and delete a
// task. Listing is open to every authenticated actor.
type taskManager struct {
	tasks   taskStore
	logger  *slog.Logger
	metrics *metrics
	clock   abtime.AbstractTime
}

func newTaskManager(tasks taskStore, logger *slog.Logger, m *metrics, clock abtime.AbstractTime) *taskManager {
	if clock == nil {
		clock = abtime.NewRealTime()
	}
	return &taskManager{
		tasks:   tasks,
		logger:  logger,
		metrics: m,
		clock:   clock,
	}
}

func canViewControls(t *task, actor *identity) bool {
	if actor == nil {
		return false
	}
	return actor.Role.canMutateAnyTask() || t.UserID == actor.ID
}

func (tm *taskManager) create(ctx context.Context, actor *identity, in taskInput) (*task, error) {
	if actor == nil {
		return nil, errNotAuthenticated
	}

	v := newValidator()
	v.checkRequired(in.Name, "name")
	v.checkRequired(in.DueDate, "due_date")
	due, err := parseDate(in.DueDate)
	v.checkCond(in.DueDate == "" || err == nil, "due_date", "must be a date like 2014-02-05")
	posted := newDate(tm.clock.Now())
	if in.PostedDate != "" {
		posted, err = parseDate(in.PostedDate)
		v.checkCond(err == nil, "posted_date", "must be a date like 2014-02-04")
	}
	v.checkCond(in.Priority >= 1 && in.Priority <= 10, "priority", "must be between 1 and 10")
	if err := v.toError(); err != nil {
		tm.metrics.taskOperations.WithLabelValues("create", "invalid").Inc()
		return nil, err
	}

	t := &task{
		Name:       in.Name,
		DueDate:    due,
		PostedDate: posted,
		Priority:   in.Priority,
		Status:     statusOpen,
		UserID:     actor.ID,
	}
	if err := tm.tasks.insertTask(ctx, t); err != nil {
		tm.metrics.taskOperations.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("insert task: %w", err)
	}
	tm.metrics.taskOperations.WithLabelValues("create", "ok").Inc()
	tm.logger.Info("task created", slog.Int("task_id", t.ID), slog.Int("user_id", actor.ID))
	return t, nil
}

// complete marks the task complete. Completing a complete task succeeds
// without changing anything else.
func (tm *taskManager) complete(ctx context.Context, id int, actor *identity) error {
	return tm.mutate(ctx, "complete", id, actor, taskMarkComplete)
}

// delete removes the task for good.
func (tm *taskManager) delete(ctx context.Context, id int, actor *identity) error {
	return tm.mutate(ctx, "delete", id, actor, taskRemove)
}

func (tm *taskManager) mutate(ctx context.Context, op string, id int, actor *identity, change taskChange) error {
	if actor == nil {
		return errNotAuthenticated
	}

	err := tm.tasks.modifyTask(ctx, id, func(t *task) (taskChange, error) {
		if !canViewControls(t, actor) {
			return taskUnchanged, errForbidden
		}
		return change, nil
	})

	switch {
	case err == nil:
		tm.metrics.taskOperations.WithLabelValues(op, "ok").Inc()
		tm.logger.Info("task "+op+"d", slog.Int("task_id", id), slog.Int("user_id", actor.ID))
		return nil
	case errors.Is(err, errForbidden):
		tm.metrics.taskOperations.WithLabelValues(op, "forbidden").Inc()
		tm.logger.Warn("task "+op+" forbidden", slog.Int("task_id", id), slog.Int("user_id", actor.ID))
		return errForbidden
	case errors.Is(err, errNotFound):
		tm.metrics.taskOperations.WithLabelValues(op, "not_found").Inc()
		return errNotFound
	default:
		tm.metrics.taskOperations.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("%s task %d: %w", op, id, err)
	}
}

// listVisible returns every task in creation order, each flagged with
// whether actor may act on it.
func (tm *taskManager) listVisible(ctx context.Context, actor *identity) ([]taskView, error) {
	if actor == nil {
		return nil, errNotAuthenticated
	}
	tasks, err := tm.tasks.listTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskView{task: t, ShowControls: canViewControls(t, actor)})
	}
	return views, nil
}

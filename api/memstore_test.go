package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/thejerf/abtime"
	"golang.org/x/crypto/bcrypt"
)

// memStore is an in-memory stand-in for storage. Every method takes the
// lock so modifyTask sees a consistent row, like SELECT ... FOR UPDATE.
type memStore struct {
	mu         sync.Mutex
	users      []*user
	tasks      map[int]*task
	nextUserID int
	nextTaskID int
	writes     int
	failWith   error
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[int]*task)}
}

func (s *memStore) getUserByName(ctx context.Context, name string) (*user, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	for _, u := range s.users {
		if u.Name == name {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) getUserByID(ctx context.Context, id int) (*user, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	for _, u := range s.users {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) userExists(ctx context.Context, name, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	return s.existsLocked(name, email), nil
}

func (s *memStore) existsLocked(name, email string) bool {
	for _, u := range s.users {
		if u.Name == name || u.Email == email {
			return true
		}
	}
	return false
}

func (s *memStore) insertUser(ctx context.Context, u *user) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if s.existsLocked(u.Name, u.Email) {
		return errConflict
	}
	s.nextUserID++
	u.ID = s.nextUserID
	u.CreatedAt = time.Now()
	cp := *u
	s.users = append(s.users, &cp)
	s.writes++
	return nil
}

func (s *memStore) removeUser(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, u := range s.users {
		if u.ID == id {
			s.users = append(s.users[:i], s.users[i+1:]...)
			return
		}
	}
}

func (s *memStore) userCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *memStore) insertTask(ctx context.Context, t *task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.nextTaskID++
	t.ID = s.nextTaskID
	cp := *t
	s.tasks[t.ID] = &cp
	s.writes++
	return nil
}

func (s *memStore) listTasks(ctx context.Context) ([]*task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		tasks = append(tasks, &cp)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (s *memStore) modifyTask(ctx context.Context, id int, decide func(t *task) (taskChange, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	t, ok := s.tasks[id]
	if !ok {
		return errNotFound
	}
	cp := *t
	change, err := decide(&cp)
	if err != nil {
		return err
	}
	switch change {
	case taskMarkComplete:
		t.Status = statusComplete
		s.writes++
	case taskRemove:
		delete(s.tasks, id)
		s.writes++
	}
	return nil
}

func (s *memStore) taskByID(id int) (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

var errStoreDown = errors.New("store down")

type testEnv struct {
	store    *memStore
	redis    *miniredis.Miniredis
	clock    *abtime.ManualTime
	metrics  *metrics
	registry *prometheus.Registry
	sessions *sessionManager
	tasks    *taskManager
}

var testEpoch = time.Date(2014, 2, 4, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})

	clock := abtime.NewManualAtTime(testEpoch)
	registry := prometheus.NewRegistry()
	m := newMetrics(registry)
	store := newMemStore()
	logger := discardLogger()

	sessions, err := newSessionManager(store, newRedisSessionStore(rdb), logger, m, &sessionSettings{
		Secret:       []byte("test-secret"),
		TTL:          time.Hour,
		HashCost:     bcrypt.MinCost,
		AbstractTime: clock,
	})
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}

	return &testEnv{
		store:    store,
		redis:    mr,
		clock:    clock,
		metrics:  m,
		registry: registry,
		sessions: sessions,
		tasks:    newTaskManager(store, logger, m, clock),
	}
}

func (e *testEnv) mustRegister(t *testing.T, name, email, password string) *identity {
	t.Helper()
	u, err := e.sessions.register(context.Background(), name, email, password, password)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return u.identity()
}

func (e *testEnv) mustCreateAdmin(t *testing.T) *identity {
	t.Helper()
	u, err := e.sessions.createUser(context.Background(), "Superman", "admin@realpython.com", "allpowerful", roleAdmin)
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	return u.identity()
}

func (e *testEnv) mustCreateTask(t *testing.T, actor *identity, name string) *task {
	t.Helper()
	created, err := e.tasks.create(context.Background(), actor, taskInput{
		Name:       name,
		DueDate:    "2014-02-05",
		PostedDate: "2014-02-04",
		Priority:   1,
	})
	if err != nil {
		t.Fatalf("create task %q: %v", name, err)
	}
	return created
}

package main

import (
	"encoding/json"
	"fmt"
	"time"
)

type role string

const (
	roleUser  role = "user"
	roleAdmin role = "admin"
)

func parseRole(s string) (role, error) {
	switch role(s) {
	case roleUser:
		return roleUser, nil
	case roleAdmin:
		return roleAdmin, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// canMutateAnyTask reports whether the role may complete or delete tasks it
// does not own.
func (r role) canMutateAnyTask() bool {
	return r == roleAdmin
}

type taskStatus string

const (
	statusOpen     taskStatus = "open"
	statusComplete taskStatus = "complete"
)

type user struct {
	ID           int       `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash []byte    `json:"-"`
	Role         role      `json:"role"`
}

func (u *user) identity() *identity {
	return &identity{ID: u.ID, Name: u.Name, Role: u.Role}
}

// identity is the resolved actor behind a session. A nil *identity is an
// anonymous actor.
type identity struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Role role   `json:"role"`
}

type task struct {
	ID         int        `json:"id"`
	Name       string     `json:"name"`
	DueDate    date       `json:"due_date"`
	PostedDate date       `json:"posted_date"`
	Priority   int        `json:"priority"`
	Status     taskStatus `json:"status"`
	UserID     int        `json:"user_id"`
}

type taskView struct {
	*task
	ShowControls bool `json:"show_controls"`
}

const dateLayout = "2006-01-02"

// date is a calendar day carried as midnight UTC.
type date struct {
	time.Time
}

func newDate(t time.Time) date {
	y, m, d := t.Date()
	return date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func parseDate(s string) (date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return date{}, err
	}
	return date{t}, nil
}

func (d date) String() string {
	return d.Format(dateLayout)
}

func (d date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = date{}
		return nil
	}
	parsed, err := parseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

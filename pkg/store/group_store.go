package store

import (
	"context"
	"database/sql"
	"time"
)

// Group is a worker group's shared authentication tokens: the
// supervisor-side token used to verify signed requests, and the token
// handed to the group's Workers to sign with.
type Group struct {
	GroupName       string
	SupervisorToken string
	WorkerToken     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// GroupStore persists worker group auth tokens.
type GroupStore struct{ s *Store }

func NewGroupStore(s *Store) *GroupStore { return &GroupStore{s: s} }

func (gs *GroupStore) Create(ctx context.Context, g *Group) error {
	now := time.Now()
	g.CreatedAt, g.UpdatedAt = now, now
	_, err := gs.s.Exec(ctx, nil, `
		INSERT INTO sched_group (group_name, supervisor_token, worker_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		g.GroupName, g.SupervisorToken, g.WorkerToken, g.CreatedAt, g.UpdatedAt)
	return classify("GroupStore.Create", err)
}

func (gs *GroupStore) Get(ctx context.Context, groupName string) (*Group, error) {
	row := gs.s.QueryRow(ctx, nil, `
		SELECT group_name, supervisor_token, worker_token, created_at, updated_at
		FROM sched_group WHERE group_name = ?`, groupName)
	var g Group
	err := row.Scan(&g.GroupName, &g.SupervisorToken, &g.WorkerToken, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound()
	}
	if err != nil {
		return nil, classify("GroupStore.Get", err)
	}
	return &g, nil
}

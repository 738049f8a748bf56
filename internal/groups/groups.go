package groups

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/db"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrGroupNotFound = errors.New("group not found")
	ErrNotMember     = errors.New("not a group member")
	ErrInvalidName   = errors.New("group name must be 1-128 characters")
)

type Service struct {
	db      *sql.DB
	dialect db.Dialect
	log     *logrus.Entry
}

func NewService(database *db.DB) *Service {
	return &Service{
		db:      database.SQL,
		dialect: database.Dialect,
		log:     logrus.WithField("component", "groups"),
	}
}

// Create makes a group owned by ownerID. The owner is always a member;
// duplicate member ids are ignored.
func (s *Service) Create(ctx context.Context, ownerID uuid.UUID, name string, members []uuid.UUID) (*models.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 128 {
		return nil, ErrInvalidName
	}

	now := time.UnixMilli(time.Now().UnixMilli())
	group := &models.Group{
		ID:        uuid.New(),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: now,
	}

	seen := map[uuid.UUID]bool{ownerID: true}
	group.Members = append(group.Members, ownerID)
	for _, m := range members {
		if !seen[m] {
			seen[m] = true
			group.Members = append(group.Members, m)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO chat_groups (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)
	`), group.ID, group.Name, group.OwnerID, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}

	for _, m := range group.Members {
		_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO group_members (group_id, user_id, joined_at) VALUES (?, ?, ?)
		`), group.ID, m, now.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("failed to add member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit group: %w", err)
	}

	s.log.WithField("group_id", group.ID).Infof("Created group with %d members", len(group.Members))
	return group, nil
}

// Members returns the member ids of groupID.
func (s *Service) Members(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT user_id FROM group_members WHERE group_id = ? ORDER BY joined_at, user_id
	`), groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	var members []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, ErrGroupNotFound
	}
	return members, nil
}

// IsMember reports whether userID belongs to groupID.
func (s *Service) IsMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id = ? AND user_id = ?)
	`), groupID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return exists, nil
}

// MembersFor returns the members of groupID if userID belongs to it.
func (s *Service) MembersFor(ctx context.Context, groupID, userID uuid.UUID) ([]uuid.UUID, error) {
	members, err := s.Members(ctx, groupID)
	if err != nil {
		return nil, err
	}
	ok, err := s.IsMember(ctx, groupID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotMember
	}
	return members, nil
}

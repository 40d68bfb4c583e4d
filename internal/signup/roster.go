package signup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tableledger/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/tableledger/internal/users"
	"go.uber.org/zap"
)

// RosterStatus is derived at read time from join order and capacity.
type RosterStatus string

const (
	StatusPlayer     RosterStatus = "player"
	StatusWaitlisted RosterStatus = "waitlisted"
	StatusStaff      RosterStatus = "staff"
)

// RosterEntry is one membership with its derived rank. Rank is 0 for members
// that do not count toward capacity.
type RosterEntry struct {
	Membership Membership
	Rank       int
	Status     RosterStatus
}

// Roster is the ranked view of a table.
type Roster struct {
	Table      Table
	Entries    []RosterEntry
	Players    int
	Waitlisted int
}

// Roster ranks the table's memberships by (joined_at, id). Nothing is written.
func (s *Service) Roster(ctx context.Context, tableID string) (Roster, error) {
	database := s.executor.Database().WithContext(ctx)
	table, err := findTable(database, tableID)
	if err != nil {
		if errors.Is(err, ErrTableNotFound) {
			return Roster{}, err
		}
		s.logError(opRoster, "table_lookup_failed", err, zap.String("table_id", tableID))
		return Roster{}, serviceerr.New(opRoster, "table_lookup_failed", err)
	}

	var memberships []Membership
	err = database.Where("table_id = ?", table.ID).
		Order("joined_at_ms ASC").
		Order("id ASC").
		Find(&memberships).Error
	if err != nil {
		s.logError(opRoster, "membership_query_failed", err, zap.String("table_id", tableID))
		return Roster{}, serviceerr.New(opRoster, "membership_query_failed", err)
	}
	return rankMemberships(table, memberships), nil
}

func rankMemberships(table Table, memberships []Membership) Roster {
	roster := Roster{Table: table, Entries: make([]RosterEntry, 0, len(memberships))}
	rank := 0
	for _, membership := range memberships {
		entry := RosterEntry{Membership: membership, Status: StatusStaff}
		if membership.CountsTowardCapacity {
			rank++
			entry.Rank = rank
			if rank <= table.Capacity {
				entry.Status = StatusPlayer
				roster.Players++
			} else {
				entry.Status = StatusWaitlisted
				roster.Waitlisted++
			}
		}
		roster.Entries = append(roster.Entries, entry)
	}
	return roster
}

// TableSpec describes a table to register. Zero times leave the window unbounded.
type TableSpec struct {
	OwnerID  string
	Title    string
	Capacity int
	OpensAt  time.Time
	ClosesAt time.Time
}

// RegisterTable creates a table row. Other table metadata is managed elsewhere.
func (s *Service) RegisterTable(ctx context.Context, spec TableSpec) (Table, error) {
	ownerID, err := users.NewUserID(spec.OwnerID)
	if err != nil {
		return Table{}, err
	}
	if spec.Capacity < 0 {
		return Table{}, fmt.Errorf("%w: negative capacity", ErrInvalidTable)
	}
	if !spec.OpensAt.IsZero() && !spec.ClosesAt.IsZero() && !spec.ClosesAt.After(spec.OpensAt) {
		return Table{}, fmt.Errorf("%w: signup window closes before it opens", ErrInvalidTable)
	}
	tableID, err := s.idProvider.NewID()
	if err != nil {
		return Table{}, serviceerr.New(opRegisterTable, "id_generation_failed", err)
	}
	table := Table{
		ID:               tableID,
		OwnerID:          ownerID.String(),
		Title:            strings.TrimSpace(spec.Title),
		Capacity:         spec.Capacity,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if !spec.OpensAt.IsZero() {
		table.SignupOpensAtSeconds = spec.OpensAt.UTC().Unix()
	}
	if !spec.ClosesAt.IsZero() {
		table.SignupClosesAtSeconds = spec.ClosesAt.UTC().Unix()
	}
	if err := s.executor.Database().WithContext(ctx).Create(&table).Error; err != nil {
		s.logError(opRegisterTable, "insert_failed", err, zap.String("owner_id", table.OwnerID))
		return Table{}, serviceerr.New(opRegisterTable, "insert_failed", err)
	}
	return table, nil
}

// CancelTable closes a table to new signups. Existing memberships are kept.
func (s *Service) CancelTable(ctx context.Context, tableID string) error {
	result := s.executor.Database().WithContext(ctx).
		Model(&Table{}).
		Where("id = ?", strings.TrimSpace(tableID)).
		Update("cancelled", true)
	if result.Error != nil {
		s.logError(opRegisterTable, "cancel_failed", result.Error, zap.String("table_id", tableID))
		return serviceerr.New(opRegisterTable, "cancel_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTableNotFound
	}
	return nil
}

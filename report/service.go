package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"settleflow/deal"
)

// Reader abstracts repository operations for the service.
type Reader interface {
	Summary(ctx context.Context) (Summary, error)
	Leaderboard(ctx context.Context, since time.Time, limit int) ([]AgentRank, error)
	TimelineSince(ctx context.Context, since time.Time) ([]TimelineRow, error)
}

// Service exposes back-office reporting. Every entrypoint gate-checks the
// role; reports leak cross-agent data by construction.
type Service struct {
	repo Reader
}

func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

func (s *Service) Summary(ctx context.Context, actor deal.Actor) (Summary, error) {
	if actor.Role != deal.ActorRoleBackOffice {
		return Summary{}, fmt.Errorf("%w: reports require back office", deal.ErrForbidden)
	}
	return s.repo.Summary(ctx)
}

func (s *Service) Leaderboard(ctx context.Context, actor deal.Actor, since time.Time, limit int) ([]AgentRank, error) {
	if actor.Role != deal.ActorRoleBackOffice {
		return nil, fmt.Errorf("%w: reports require back office", deal.ErrForbidden)
	}
	return s.repo.Leaderboard(ctx, since, limit)
}

// ExportTimeline writes the audit timeline as CSV. The writer is flushed but
// not closed; response streaming stays with the caller.
func (s *Service) ExportTimeline(ctx context.Context, actor deal.Actor, since time.Time, w io.Writer) error {
	if actor.Role != deal.ActorRoleBackOffice {
		return fmt.Errorf("%w: export requires back office", deal.ErrForbidden)
	}
	rows, err := s.repo.TimelineSince(ctx, since)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"deal_number", "seq", "type", "actor_id", "payload", "created_at"}); err != nil {
		return fmt.Errorf("report: write csv header: %w", err)
	}
	for _, row := range rows {
		actorID := ""
		if row.ActorID != nil {
			actorID = *row.ActorID
		}
		record := []string{
			row.DealNumber,
			strconv.Itoa(row.Seq),
			row.Type,
			actorID,
			row.Payload,
			row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("report: write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report: flush csv: %w", err)
	}
	return nil
}

package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries. Each query must return zero rows on a
// healthy database; any row is a violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_split_sums",
			SQL: `SELECT d.id, SUM(r.split_percent) AS pct, SUM(r.amount) AS amt
                  FROM deals d JOIN recipients r ON r.deal_id = d.id
                  GROUP BY d.id, d.commission_total
                  HAVING SUM(r.split_percent) <> 100 OR SUM(r.amount) > d.commission_total`,
		},
		{
			Name: "O2_one_primary_recipient",
			SQL: `SELECT deal_id, COUNT(*) FILTER (WHERE is_primary) AS primaries
                  FROM recipients
                  GROUP BY deal_id
                  HAVING COUNT(*) FILTER (WHERE is_primary) <> 1`,
		},
		{
			Name: "O3_timeline_seq_dense",
			SQL: `WITH seqs AS (
                      SELECT deal_id, seq,
                             LAG(seq) OVER (PARTITION BY deal_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs
                  WHERE (prev IS NULL AND seq <> 1)
                     OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O4_one_pending_payment",
			SQL: `SELECT deal_id, COUNT(*) FROM payment_records
                  WHERE status = 'pending'
                  GROUP BY deal_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_outbox_progress",
			SQL: `SELECT id, topic, status, attempts FROM outbox
                  WHERE (status = 'pending' AND now() - created_at > interval '5 minutes')
                     OR (status <> 'failed' AND attempts >= 10)`,
		},
		{
			Name: "O6_hold_linkage",
			SQL: `SELECT d.id, d.status FROM deals d
                  WHERE d.status = 'hold_period'
                    AND NOT EXISTS (SELECT 1 FROM holds h WHERE h.deal_id = d.id AND h.released_at IS NULL)`,
		},
		{
			Name: "O7_dispute_state",
			SQL: `SELECT id, status::text FROM disputes
                  WHERE status IN ('resolved', 'rejected')
                    AND (outcome IS NULL OR resolved_at IS NULL)
                  UNION ALL
                  SELECT d.id, d.status::text FROM deals d
                  WHERE d.status = 'dispute'
                    AND NOT EXISTS (SELECT 1 FROM disputes x
                                    WHERE x.deal_id = d.id AND x.status IN ('open', 'under_review'))`,
		},
		{
			Name: "O8_payout_refs",
			SQL: `SELECT id, payout_status FROM recipients
                  WHERE (payout_status = 'completed' AND payout_ref IS NULL)
                     OR (payout_status = 'failed' AND payout_error IS NULL)`,
		},
		{
			Name: "O9_timeline_append_only",
			SQL: `SELECT 'missing_no_update_rule' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_rules WHERE rulename = 'timeline_events_no_update')
                  UNION ALL
                  SELECT 'missing_no_delete_rule'
                  WHERE NOT EXISTS (SELECT 1 FROM pg_rules WHERE rulename = 'timeline_events_no_delete')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}

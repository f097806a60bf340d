package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_terminal_trail_sums_to_amount",
			SQL: `SELECT e.id, e.status, e.amount, COALESCE(SUM(r.amount), 0) AS released
                  FROM escrows e LEFT JOIN escrow_releases r ON r.escrow_id = e.id
                  WHERE e.status IN ('released','refunded')
                  GROUP BY e.id, e.status, e.amount
                  HAVING COALESCE(SUM(r.amount), 0) <> e.amount`,
		},
		{
			Name: "O2_open_escrow_has_no_releases",
			SQL: `SELECT e.id, e.status FROM escrows e
                  WHERE e.status IN ('created','held')
                    AND EXISTS (SELECT 1 FROM escrow_releases r WHERE r.escrow_id = e.id)`,
		},
		{
			Name: "O3_disputed_escrow_has_record",
			SQL: `SELECT e.id FROM escrows e
                  WHERE e.status = 'disputed'
                    AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.escrow_id = e.id AND d.status <> 'resolved')`,
		},
		{
			Name: "O4_resolved_dispute_released_escrow",
			SQL: `SELECT d.id, e.status FROM disputes d JOIN escrows e ON e.id = d.escrow_id
                  WHERE d.status = 'resolved' AND e.status <> 'released'`,
		},
		{
			Name: "O5_delivered_order_released",
			SQL: `SELECT f.order_id, e.id, e.status FROM order_fulfillment f
                  JOIN escrows e ON e.order_id = f.order_id
                  WHERE f.dimension = 'delivery' AND f.status = 'delivered'
                    AND e.status IN ('created','held')`,
		},
		{
			Name: "O6_payout_once_per_release",
			SQL: `SELECT payload->>'release_id', COUNT(*) FROM outbox
                  WHERE topic = 'escrow.payout'
                  GROUP BY payload->>'release_id' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_payout_matches_release",
			SQL: `SELECT o.id FROM outbox o
                  LEFT JOIN escrow_releases r ON r.id = o.payload->>'release_id'
                  WHERE o.topic = 'escrow.payout'
                    AND (r.id IS NULL OR r.amount <> (o.payload->>'amount')::bigint)`,
		},
		{
			Name: "O8_release_guard",
			SQL: `SELECT 'missing_release_guard' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'escrow_releases_no_update')`,
		},
		{
			Name: "O9_cancelled_payout_reversed",
			SQL: `SELECT o.id FROM outbox o
                  WHERE o.topic = 'escrow.payout' AND o.status = 'cancelled'
                    AND NOT EXISTS (SELECT 1 FROM escrow_releases r
                                    WHERE r.escrow_id = o.key
                                      AND r.amount = -(o.payload->>'amount')::bigint
                                      AND r.notes = 'payout cancelled, reverses release ' || (o.payload->>'release_id'))`,
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

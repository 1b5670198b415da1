package costledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresAuditSink is the durable CostRecord mirror from SPEC_FULL.md §6
// (4.2): an append-only table for long-term analytics beyond StateStore's
// TTL window, written best-effort alongside the synchronous Redis counters.
type PostgresAuditSink struct {
	db *sql.DB
}

// NewPostgresAuditSink opens a connection pool and ensures the cost_records
// table exists.
func NewPostgresAuditSink(dsn string) (*PostgresAuditSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS cost_records (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	turn_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	input_cost_usd NUMERIC(18,6) NOT NULL,
	output_cost_usd NUMERIC(18,6) NOT NULL,
	total_cost_usd NUMERIC(18,6) NOT NULL,
	efficiency_score DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS cost_records_conversation_idx ON cost_records (conversation_id, created_at);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate cost_records: %w", err)
	}
	return &PostgresAuditSink{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresAuditSink) Close() error {
	return s.db.Close()
}

// Append inserts one CostRecord. Idempotent on ID (ON CONFLICT DO NOTHING) so
// a retried RecordTurn after a partial failure never double-counts.
func (s *PostgresAuditSink) Append(ctx context.Context, r CostRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cost_records
	(id, conversation_id, turn_id, provider, model, agent_id, input_tokens, output_tokens,
	 input_cost_usd, output_cost_usd, total_cost_usd, efficiency_score, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO NOTHING`,
		r.ID, r.ConversationID, r.TurnID, r.Provider, r.Model, r.AgentID,
		r.InputTokens, r.OutputTokens,
		r.InputCostUSD.String(), r.OutputCostUSD.String(), r.TotalCostUSD.String(),
		r.EfficiencyScore, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert cost record: %w", err)
	}
	return nil
}

// ListByConversation implements RecordReader over the durable store.
func (s *PostgresAuditSink) ListByConversation(ctx context.Context, convID string) ([]CostRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, turn_id, provider, model, agent_id, input_tokens, output_tokens,
       input_cost_usd, output_cost_usd, total_cost_usd, efficiency_score, created_at
FROM cost_records WHERE conversation_id = $1 ORDER BY created_at ASC`, convID)
	if err != nil {
		return nil, fmt.Errorf("query cost records: %w", err)
	}
	defer rows.Close()

	var records []CostRecord
	for rows.Next() {
		var r CostRecord
		var inCost, outCost, totalCost string
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.TurnID, &r.Provider, &r.Model, &r.AgentID,
			&r.InputTokens, &r.OutputTokens, &inCost, &outCost, &totalCost, &r.EfficiencyScore, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cost record: %w", err)
		}
		r.InputCostUSD, _ = decimal.NewFromString(inCost)
		r.OutputCostUSD, _ = decimal.NewFromString(outCost)
		r.TotalCostUSD, _ = decimal.NewFromString(totalCost)
		records = append(records, r)
	}
	return records, rows.Err()
}

var _ AuditSink = (*PostgresAuditSink)(nil)
var _ RecordReader = (*PostgresAuditSink)(nil)

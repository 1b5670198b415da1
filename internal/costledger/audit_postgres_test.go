package costledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
)

func setupMockAuditSink(t *testing.T) (sqlmock.Sqlmock, *PostgresAuditSink) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return mock, &PostgresAuditSink{db: db}
}

func TestPostgresAuditSink_Append(t *testing.T) {
	mock, sink := setupMockAuditSink(t)

	r := CostRecord{
		ID:              "rec-1",
		ConversationID:  "conv-1",
		TurnID:          "turn-1",
		Provider:        "anthropic",
		Model:           "claude-sonnet",
		AgentID:         "agent-1",
		InputTokens:     100,
		OutputTokens:    50,
		InputCostUSD:    decimal.NewFromFloat(0.001),
		OutputCostUSD:   decimal.NewFromFloat(0.002),
		TotalCostUSD:    decimal.NewFromFloat(0.003),
		EfficiencyScore: 0.8,
		CreatedAt:       time.Now(),
	}

	mock.ExpectExec("INSERT INTO cost_records").
		WithArgs(r.ID, r.ConversationID, r.TurnID, r.Provider, r.Model, r.AgentID,
			r.InputTokens, r.OutputTokens,
			r.InputCostUSD.String(), r.OutputCostUSD.String(), r.TotalCostUSD.String(),
			r.EfficiencyScore, r.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := sink.Append(context.Background(), r); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresAuditSink_Append_QueryError(t *testing.T) {
	mock, sink := setupMockAuditSink(t)

	r := CostRecord{ID: "rec-1", ConversationID: "conv-1", TurnID: "turn-1", CreatedAt: time.Now()}

	mock.ExpectExec("INSERT INTO cost_records").WillReturnError(errConnRefused)

	if err := sink.Append(context.Background(), r); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestPostgresAuditSink_ListByConversation(t *testing.T) {
	mock, sink := setupMockAuditSink(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "conversation_id", "turn_id", "provider", "model", "agent_id",
		"input_tokens", "output_tokens", "input_cost_usd", "output_cost_usd",
		"total_cost_usd", "efficiency_score", "created_at",
	}).AddRow("rec-1", "conv-1", "turn-1", "anthropic", "claude-sonnet", "agent-1",
		100, 50, "0.001", "0.002", "0.003", 0.8, now)

	mock.ExpectQuery("SELECT .* FROM cost_records WHERE conversation_id = \\$1").
		WithArgs("conv-1").
		WillReturnRows(rows)

	records, err := sink.ListByConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("ListByConversation returned error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].ID != "rec-1" {
		t.Errorf("expected record ID rec-1, got %s", records[0].ID)
	}
	if !records[0].TotalCostUSD.Equal(decimal.NewFromFloat(0.003)) {
		t.Errorf("expected total cost 0.003, got %s", records[0].TotalCostUSD.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

var errConnRefused = &mockDBError{"connection refused"}

type mockDBError struct{ msg string }

func (e *mockDBError) Error() string { return e.msg }

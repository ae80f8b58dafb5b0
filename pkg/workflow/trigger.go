package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"
)

// illegalTransitionSQLState is the SQLSTATE the trigger raises on a
// disallowed status change (raise_exception).
const illegalTransitionSQLState = "P0001"

const policyTableDDL = `
CREATE TABLE IF NOT EXISTS transition_policies (
	entity_type TEXT NOT NULL,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	is_enabled  BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (entity_type, from_state, to_state)
)`

const triggerFunctionDDL = `
CREATE OR REPLACE FUNCTION validate_status_transition()
RETURNS TRIGGER AS $$
BEGIN
	IF (OLD.status = NEW.status) THEN
		RETURN NEW;
	END IF;

	IF NOT EXISTS (
		SELECT 1 FROM transition_policies
		WHERE entity_type = TG_ARGV[0]
		  AND from_state = OLD.status
		  AND to_state = NEW.status
		  AND is_enabled
	) THEN
		RAISE EXCEPTION 'ILLEGAL_TRANSITION: % from % to %', TG_ARGV[0], OLD.status, NEW.status;
	END IF;

	RETURN NEW;
END;
$$ LANGUAGE plpgsql`

// GuardedTable binds a guarded entity type to the physical table holding its
// status column.
type GuardedTable struct {
	EntityType string
	Table      string
}

// DefaultGuardedTables is the production trigger wiring.
var DefaultGuardedTables = []GuardedTable{
	{EntityType: "budget_plan", Table: "budget_plans"},
}

// Arm installs the storage-level safety net: the policy table (seeded from
// the embedded allow-list), the shared trigger function, and one BEFORE
// UPDATE trigger per guarded table. Idempotent.
//
// The trigger fires inside the same transaction as the triggering update, so
// a transition can never be observed without having passed the check. It
// mirrors pair legality only; capability checks remain in the service layer,
// which always runs first.
func (p *Policy) Arm(ctx context.Context, db *sql.DB, tables []GuardedTable, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, policyTableDDL); err != nil {
		return fmt.Errorf("create transition_policies: %w", err)
	}
	if _, err := db.ExecContext(ctx, triggerFunctionDDL); err != nil {
		return fmt.Errorf("create trigger function: %w", err)
	}

	for _, gt := range tables {
		rules := p.Rules(gt.EntityType)
		if len(rules) == 0 {
			return fmt.Errorf("no allow-list rules for guarded entity %q", gt.EntityType)
		}
		// Re-seed from the embedded source of truth.
		if _, err := db.ExecContext(ctx,
			`DELETE FROM transition_policies WHERE entity_type = $1`, gt.EntityType); err != nil {
			return fmt.Errorf("reset policies for %s: %w", gt.EntityType, err)
		}
		for _, r := range rules {
			if _, err := db.ExecContext(ctx,
				`INSERT INTO transition_policies (entity_type, from_state, to_state, is_enabled)
				 VALUES ($1, $2, $3, TRUE)
				 ON CONFLICT (entity_type, from_state, to_state) DO UPDATE SET is_enabled = TRUE`,
				r.EntityType, r.From, r.To); err != nil {
				return fmt.Errorf("seed policy %s %s->%s: %w", r.EntityType, r.From, r.To, err)
			}
		}

		triggerName := fmt.Sprintf("trigger_validate_%s_status", gt.EntityType)
		if _, err := db.ExecContext(ctx,
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, triggerName, pq.QuoteIdentifier(gt.Table))); err != nil {
			return fmt.Errorf("drop trigger on %s: %w", gt.Table, err)
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf(
			`CREATE TRIGGER %s BEFORE UPDATE ON %s
			 FOR EACH ROW EXECUTE FUNCTION validate_status_transition(%s)`,
			triggerName, pq.QuoteIdentifier(gt.Table), pq.QuoteLiteral(gt.EntityType))); err != nil {
			return fmt.Errorf("create trigger on %s: %w", gt.Table, err)
		}

		logger.Info("transition trigger armed",
			"entity", gt.EntityType, "table", gt.Table, "rules", len(rules))
	}
	return nil
}

// ArmReport is the result of VerifyArmed for one guarded entity.
type ArmReport struct {
	EntityType   string
	Table        string
	TablePresent bool
	FuncPresent  bool
	TriggerSet   bool
	EnabledRules int
}

// Armed reports whether every layer of the safety net is in place.
func (r ArmReport) Armed() bool {
	return r.TablePresent && r.FuncPresent && r.TriggerSet && r.EnabledRules > 0
}

// VerifyArmed checks presence of the policy table, trigger function, per-table
// trigger, and a non-zero count of enabled rows per guarded entity. The
// safety net is declared armed only when every report passes.
func VerifyArmed(ctx context.Context, db *sql.DB, tables []GuardedTable) ([]ArmReport, error) {
	var tablePresent bool
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'transition_policies')`,
	).Scan(&tablePresent); err != nil {
		return nil, fmt.Errorf("check policy table: %w", err)
	}

	var funcPresent bool
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_proc WHERE proname = 'validate_status_transition')`,
	).Scan(&funcPresent); err != nil {
		return nil, fmt.Errorf("check trigger function: %w", err)
	}

	reports := make([]ArmReport, 0, len(tables))
	for _, gt := range tables {
		report := ArmReport{
			EntityType:   gt.EntityType,
			Table:        gt.Table,
			TablePresent: tablePresent,
			FuncPresent:  funcPresent,
		}

		triggerName := fmt.Sprintf("trigger_validate_%s_status", gt.EntityType)
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = $1)`, triggerName,
		).Scan(&report.TriggerSet); err != nil {
			return nil, fmt.Errorf("check trigger for %s: %w", gt.EntityType, err)
		}

		if tablePresent {
			if err := db.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM transition_policies WHERE entity_type = $1 AND is_enabled`,
				gt.EntityType,
			).Scan(&report.EnabledRules); err != nil {
				return nil, fmt.Errorf("count enabled rules for %s: %w", gt.EntityType, err)
			}
		}

		reports = append(reports, report)
	}
	return reports, nil
}

// TranslateStorageError converts a trigger rejection into the same
// *IllegalTransitionError the service-layer guard produces, so callers see
// one consistent taxonomy regardless of which layer caught the violation.
// Other errors pass through unchanged.
func TranslateStorageError(err error, entityType string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == illegalTransitionSQLState && strings.Contains(pqErr.Message, "ILLEGAL_TRANSITION") {
			from, to := parseTriggerMessage(pqErr.Message)
			return &IllegalTransitionError{EntityType: entityType, From: from, To: to}
		}
	}
	return err
}

// parseTriggerMessage extracts the states from
// "ILLEGAL_TRANSITION: <entity> from <old> to <new>".
func parseTriggerMessage(msg string) (from, to string) {
	fields := strings.Fields(msg)
	for i := 0; i < len(fields)-1; i++ {
		switch fields[i] {
		case "from":
			from = fields[i+1]
		case "to":
			to = fields[i+1]
		}
	}
	return from, to
}

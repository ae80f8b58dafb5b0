package journal

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/agrovista/fincore/pkg/canonical"
)

// IngestRequest carries an external economic fact into the journal.
type IngestRequest struct {
	Type     EventType
	Amount   decimal.Decimal
	Currency string
	TenantID string
	Metadata map[string]any
	FieldID  string
	SeasonID string
}

// IdempotencyKey extracts the caller-supplied idempotency key from metadata,
// empty when absent.
func IdempotencyKey(metadata map[string]any) string {
	if key, ok := metadata["idempotencyKey"].(string); ok {
		return strings.TrimSpace(key)
	}
	return ""
}

// ReplayKey derives the deduplication key for an ingest request. Priority:
// explicit replayKey, then a source event id, then the idempotency key, then
// a canonical fingerprint when both traceId and source are present. Empty
// when the request carries nothing to deduplicate on.
func ReplayKey(req IngestRequest, normalizedAmount decimal.Decimal) (string, error) {
	md := req.Metadata

	if explicit, ok := md["replayKey"].(string); ok && strings.TrimSpace(explicit) != "" {
		return strings.TrimSpace(explicit), nil
	}

	for _, field := range []string{"sourceEventId", "externalEventId", "eventId"} {
		if id, ok := md[field].(string); ok && strings.TrimSpace(id) != "" {
			return "src:" + strings.TrimSpace(id), nil
		}
	}

	if key := IdempotencyKey(md); key != "" {
		return "idem:" + key, nil
	}

	traceID, _ := md["traceId"].(string)
	source, _ := md["source"].(string)
	if strings.TrimSpace(traceID) == "" || strings.TrimSpace(source) == "" {
		return "", nil
	}

	fingerprint := map[string]any{
		"tenantId": req.TenantID,
		"type":     string(req.Type),
		// string form keeps the amount stable across decimal representations
		"amount":   normalizedAmount.String(),
		"currency": req.Currency,
		"source":   strings.TrimSpace(source),
		"traceId":  strings.TrimSpace(traceID),
		"fieldId":  req.FieldID,
		"seasonId": req.SeasonID,
		"metadata": md,
	}
	digest, err := canonical.Hash(fingerprint)
	if err != nil {
		return "", fmt.Errorf("replay key fingerprint: %w", err)
	}
	return "fp:" + digest, nil
}

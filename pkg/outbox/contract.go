package outbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Payloads crossing the broker must carry the tenant and an integer event
// version so consumers can route and negotiate compatibility.
const payloadSchemaJSON = `{
	"type": "object",
	"required": ["tenantId", "eventVersion"],
	"properties": {
		"tenantId": {"type": "string", "minLength": 1},
		"eventVersion": {"type": "integer", "minimum": 1}
	}
}`

// ContractError reports a message whose payload violates the event contract.
// Contract violations are not retryable: the message dead-letters immediately.
type ContractError struct {
	MessageID string
	Detail    string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("outbox contract violation for message %s: %s", e.MessageID, e.Detail)
}

// ContractValidator checks message payloads against the event contract
// before publication.
type ContractValidator struct {
	schema *jsonschema.Schema
}

// NewContractValidator compiles the embedded payload schema.
func NewContractValidator() *ContractValidator {
	return &ContractValidator{
		schema: jsonschema.MustCompileString("outbox-payload.json", payloadSchemaJSON),
	}
}

// Validate returns a *ContractError when the payload is missing its tenant or
// declares no valid event version.
func (v *ContractValidator) Validate(msg Message) error {
	if msg.Payload == nil {
		return &ContractError{MessageID: msg.ID, Detail: "payload absent"}
	}
	// Round-trip so the validator sees the payload exactly as decoded JSON.
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return &ContractError{MessageID: msg.ID, Detail: err.Error()}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ContractError{MessageID: msg.ID, Detail: err.Error()}
	}
	if err := v.schema.Validate(doc); err != nil {
		detail := err.Error()
		if idx := strings.IndexByte(detail, '\n'); idx > 0 {
			detail = detail[:idx]
		}
		return &ContractError{MessageID: msg.ID, Detail: detail}
	}
	return nil
}

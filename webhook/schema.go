package webhook

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// eventSubSchema is the part of the EventSub envelope the processors rely on. Event payloads are
// only typed as objects; their fields are read leniently.
const eventSubSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["subscription"],
  "properties": {
    "subscription": {
      "type": "object",
      "required": ["id", "type", "status", "condition"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type": {"type": "string", "minLength": 1},
        "version": {"type": "string"},
        "status": {"type": "string"},
        "condition": {
          "type": "object",
          "additionalProperties": {"type": "string"}
        },
        "transport": {"type": "object"},
        "created_at": {"type": "string"}
      }
    },
    "challenge": {"type": "string"},
    "event": {"type": "object"}
  }
}`

var compiledEnvelope = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSubSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("eventsub.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("eventsub.json")
})

// validateEnvelope checks an EventSub request body against the envelope schema.
func validateEnvelope(body []byte) error {
	sch, err := compiledEnvelope()
	if err != nil {
		return fmt.Errorf("compile eventsub schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	return nil
}

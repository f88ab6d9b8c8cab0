package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const documentSchemaURL = "https://acuitybridge.schemas.local/policy/document.schema.json"

// documentSchema constrains the shape of a policy file. Cross-field rules
// such as threshold ordering are enforced by PartnerPolicy.Validate.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["policies"],
  "additionalProperties": false,
  "properties": {
    "schema_version": {"type": "string"},
    "policies": {"type": "array", "items": {"$ref": "#/$defs/policy"}}
  },
  "$defs": {
    "score": {"type": "number", "minimum": 0, "maximum": 10},
    "policy": {
      "type": "object",
      "required": ["org_id", "org_name"],
      "additionalProperties": false,
      "properties": {
        "org_id": {"type": "string", "minLength": 1},
        "org_name": {"type": "string", "minLength": 1},
        "escalation_thresholds": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "yellow_min_distress": {"$ref": "#/$defs/score"},
            "orange_min_distress": {"$ref": "#/$defs/score"},
            "red_min_distress": {"$ref": "#/$defs/score"},
            "low_mood_threshold": {"$ref": "#/$defs/score"},
            "low_sleep_threshold": {"$ref": "#/$defs/score"}
          }
        },
        "crisis_resource_targets": {"type": "array", "items": {"$ref": "#/$defs/target"}},
        "consent_model": {"enum": ["opt_in", "opt_out"]},
        "data_retention_days": {"type": "integer", "minimum": 30},
        "notification_channels": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "clinician_ack_sla_seconds": {"type": "integer", "exclusiveMinimum": 0},
        "escalation_keyword_overrides": {"type": "array", "items": {"type": "string"}},
        "human_review_required_flags": {
          "type": "array",
          "items": {"enum": ["GREEN", "YELLOW", "ORANGE", "RED"]}
        }
      }
    },
    "target": {
      "type": "object",
      "required": ["name", "target_type", "endpoint"],
      "additionalProperties": false,
      "properties": {
        "target_id": {"type": "string"},
        "name": {"type": "string", "minLength": 1},
        "target_type": {"enum": ["phone", "webhook", "internal_queue", "external_api"]},
        "endpoint": {"type": "string", "minLength": 1},
        "requires_baa": {"type": "boolean"}
      }
    }
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func documentValidator() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(documentSchemaURL, strings.NewReader(documentSchema)); err != nil {
			compileErr = fmt.Errorf("policy: schema load failed: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(documentSchemaURL)
		if compileErr != nil {
			compileErr = fmt.Errorf("policy: schema compile failed: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}

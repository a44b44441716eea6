package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JSON Schemas for the documents the gateway validates at its boundaries.
// Unknown top-level fields are rejected (additionalProperties: false); the
// gate pipeline relaxes nothing here — permissive mode only backfills
// missing artifacts, it never accepts a malformed submit.

const submitSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["schema_version", "status", "changed_files", "tests"],
  "properties": {
    "schema_version": {"const": "scc.submit.v1"},
    "status": {"enum": ["DONE", "FAILED", "NEED_INPUT"]},
    "reason_code": {"type": "string"},
    "changed_files": {"type": "array", "items": {"type": "string"}},
    "tests": {
      "type": "object",
      "additionalProperties": false,
      "required": ["passed"],
      "properties": {
        "commands": {"type": "array", "items": {"type": "string"}},
        "passed": {"type": "boolean"},
        "summary": {"type": "string"}
      }
    },
    "artifacts": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "report_md": {"type": "string"},
        "selftest_log": {"type": "string"},
        "evidence_dir": {"type": "string"},
        "patch_diff": {"type": "string"},
        "submit_json": {"type": "string"}
      }
    },
    "exit_code": {"type": "integer"},
    "needs_input": {"type": "array", "items": {"type": "string"}}
  }
}`

const replayBundleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["schema_version", "task_id"],
  "properties": {
    "schema_version": {"const": "scc.replay_bundle.v1"},
    "task_id": {"type": "string", "minLength": 1},
    "job_id": {"type": "string"},
    "executor": {"type": "string"},
    "model": {"type": "string"},
    "context_pack_v1_id": {"type": "string"},
    "artifacts": {"type": "object", "additionalProperties": {"type": "string"}},
    "createdAt": {"type": "string"}
  }
}`

const pinsRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["schema_version", "map_ref", "allowed_paths"],
  "properties": {
    "schema_version": {"const": "scc.pins_request.v1"},
    "map_ref": {
      "type": "object",
      "additionalProperties": false,
      "required": ["hash"],
      "properties": {"hash": {"type": "string"}}
    },
    "allowed_paths": {"type": "array", "items": {"type": "string"}},
    "windows": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["path", "start_line", "end_line"],
        "properties": {
          "path": {"type": "string"},
          "start_line": {"type": "integer"},
          "end_line": {"type": "integer"}
        }
      }
    }
  }
}`

var (
	schemaOnce   sync.Once
	schemaErr    error
	submitSchema *jsonschema.Schema
	replaySchema *jsonschema.Schema
	pinsSchema   *jsonschema.Schema
)

func compileSchemas() {
	compile := func(name, src string) *jsonschema.Schema {
		if schemaErr != nil {
			return nil
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, strings.NewReader(src)); err != nil {
			schemaErr = fmt.Errorf("add schema %s: %w", name, err)
			return nil
		}
		s, err := c.Compile(name)
		if err != nil {
			schemaErr = fmt.Errorf("compile schema %s: %w", name, err)
			return nil
		}
		return s
	}
	submitSchema = compile("scc.submit.v1.json", submitSchemaJSON)
	replaySchema = compile("scc.replay_bundle.v1.json", replayBundleSchemaJSON)
	pinsSchema = compile("scc.pins_request.v1.json", pinsRequestSchemaJSON)
}

func validate(schema func() *jsonschema.Schema, raw []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	var v any
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return schema().Validate(v)
}

// ValidateSubmit checks raw against the scc.submit.v1 schema.
func ValidateSubmit(raw []byte) error {
	return validate(func() *jsonschema.Schema { return submitSchema }, raw)
}

// ValidateReplayBundle checks raw against the scc.replay_bundle.v1 schema.
func ValidateReplayBundle(raw []byte) error {
	return validate(func() *jsonschema.Schema { return replaySchema }, raw)
}

// ValidatePinsRequest checks raw against the scc.pins_request.v1 schema.
func ValidatePinsRequest(raw []byte) error {
	return validate(func() *jsonschema.Schema { return pinsSchema }, raw)
}

package responder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	StatusComplete = "complete"
	StatusStale    = "stale"
	StatusError    = "error"
)

// artifactSchema is the contract an outbox file must satisfy before any
// handler sees it. Unknown fields pass through untouched.
const artifactSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"status": {"enum": ["complete", "stale", "error"]},
		"kind": {"type": "string"},
		"response": {"type": "string"},
		"error": {"type": "string"},
		"startedAt": {"type": "number"},
		"completedAt": {"type": "number"}
	},
	"required": ["status"]
}`

var compiledArtifactSchema = mustCompileArtifactSchema()

func mustCompileArtifactSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(artifactSchema))
	if err != nil {
		panic(fmt.Sprintf("artifact schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("artifact.json", doc); err != nil {
		panic(fmt.Sprintf("artifact schema: %v", err))
	}
	schema, err := compiler.Compile("artifact.json")
	if err != nil {
		panic(fmt.Sprintf("artifact schema: %v", err))
	}
	return schema
}

// ResponseArtifact is one parsed outbox file. StartedAt and CompletedAt
// are Unix epoch seconds as emitted by the producing agent. Extra keeps
// fields this layer does not interpret.
type ResponseArtifact struct {
	Status      string                     `json:"status"`
	Kind        string                     `json:"kind,omitempty"`
	Response    string                     `json:"response,omitempty"`
	Error       string                     `json:"error,omitempty"`
	StartedAt   float64                    `json:"startedAt,omitempty"`
	CompletedAt float64                    `json:"completedAt,omitempty"`
	Extra       map[string]json.RawMessage `json:"-"`
}

// ParseArtifact validates raw bytes against the artifact schema, then
// decodes them. Schema violations and malformed JSON are permanent
// failures; retrying the same bytes cannot succeed.
func ParseArtifact(data []byte) (ResponseArtifact, error) {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return ResponseArtifact{}, fmt.Errorf("artifact is not valid JSON: %w", err)
	}
	if err := compiledArtifactSchema.Validate(value); err != nil {
		return ResponseArtifact{}, fmt.Errorf("artifact failed schema validation: %w", err)
	}
	var artifact ResponseArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return ResponseArtifact{}, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err == nil {
		for _, known := range []string{"status", "kind", "response", "error", "startedAt", "completedAt"} {
			delete(raw, known)
		}
		if len(raw) > 0 {
			artifact.Extra = raw
		}
	}
	return artifact, nil
}

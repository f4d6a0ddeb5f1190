package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Event is the routing envelope of one change notification. The payload
// body beyond the envelope is deliberately ignored: pushes are not
// assumed complete or ordered, so the only safe reaction is a re-fetch.
type Event struct {
	Table     string `json:"table"`
	Operation string `json:"operation"`
	Schema    string `json:"schema"`
}

const changeEventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["table", "operation", "schema"],
	"properties": {
		"table": {"type": "string", "minLength": 1},
		"operation": {"enum": ["insert", "update", "delete"]},
		"schema": {"const": "public"}
	}
}`

var changeEventSchema = mustCompileChangeEventSchema()

func mustCompileChangeEventSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(changeEventSchemaJSON))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("change-event.json", doc); err != nil {
		panic(err)
	}
	return compiler.MustCompile("change-event.json")
}

// ParseEvent validates a raw frame against the envelope schema and
// decodes it. Frames that fail validation are dropped by callers (logged,
// never fatal); a garbage frame from a flaky channel must not take the
// feed down.
func ParseEvent(data []byte) (Event, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Event{}, fmt.Errorf("decoding change event: %w", err)
	}
	if err := changeEventSchema.Validate(doc); err != nil {
		return Event{}, fmt.Errorf("validating change event: %w", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

package ingress

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// Webhook payload shapes are validated before parsing so a malformed
// upstream body fails fast with a clear error instead of surfacing as a
// confusing downstream handler bug (spec.md §4.6 note on defensive
// parsing).
const taskWebhookSchemaJSON = `{
	"type": "object",
	"required": ["external_id", "kind"],
	"properties": {
		"external_id": {"type": "string", "minLength": 1},
		"kind": {"type": "string", "enum": ["create_or_update", "delete"]}
	}
}`

// Missive's webhook payload varies by event: a conversation-scoped event
// nests the conversation object, a message event carries a flat
// external_id plus an optional message_ids fan-out list, and a trash
// event carries external_id with trashed=true. Each gets its own schema
// so a malformed field is caught for the shape actually being validated
// rather than against a lowest-common-denominator union.
const mailConversationSchemaJSON = `{
	"type": "object",
	"required": ["conversation"],
	"properties": {
		"conversation": {
			"type": "object",
			"required": ["id"],
			"properties": {"id": {"type": "string", "minLength": 1}}
		},
		"message_ids": {"type": "array", "items": {"type": "string"}}
	}
}`

const mailMessageSchemaJSON = `{
	"type": "object",
	"required": ["external_id"],
	"properties": {
		"external_id": {"type": "string", "minLength": 1},
		"message_ids": {"type": "array", "items": {"type": "string"}},
		"event_time": {"type": "string"}
	}
}`

const mailTrashSchemaJSON = `{
	"type": "object",
	"required": ["external_id", "trashed"],
	"properties": {
		"external_id": {"type": "string", "minLength": 1},
		"trashed": {"type": "boolean", "enum": [true]},
		"event_time": {"type": "string"}
	}
}`

var schemas = map[syncmodel.Source]*jsonschema.Schema{
	syncmodel.SourceTasks: mustCompileSchema("task_webhook.json", taskWebhookSchemaJSON),
}

var mailSchemas = struct {
	conversation *jsonschema.Schema
	message      *jsonschema.Schema
	trash        *jsonschema.Schema
}{
	conversation: mustCompileSchema("mail_webhook_conversation.json", mailConversationSchemaJSON),
	message:      mustCompileSchema("mail_webhook_message.json", mailMessageSchemaJSON),
	trash:        mustCompileSchema("mail_webhook_trash.json", mailTrashSchemaJSON),
}

// mailShapeProbe is decoded first to pick which of the three mail schemas
// applies (conversation vs. message vs. trash), from only two keys: a
// nested `conversation` object and a `trashed` flag.
type mailShapeProbe struct {
	Conversation json.RawMessage `json:"conversation"`
	Trashed      *bool           `json:"trashed"`
}

// sniffMailSchema returns the schema matching body's shape. Malformed
// JSON falls through to the message schema so the resulting validation
// error names the field that's actually missing instead of failing on
// the sniff itself.
func sniffMailSchema(body []byte) *jsonschema.Schema {
	var probe mailShapeProbe
	if err := json.Unmarshal(body, &probe); err == nil {
		if len(probe.Conversation) > 0 {
			return mailSchemas.conversation
		}
		if probe.Trashed != nil {
			return mailSchemas.trash
		}
	}
	return mailSchemas.message
}

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
	if err != nil {
		panic(fmt.Sprintf("ingress: invalid embedded schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("ingress: cannot register schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("ingress: cannot compile schema %s: %v", name, err))
	}
	return schema
}

// validateShape returns nil when source has no registered schema (source
// C never receives webhooks) or the body matches its schema. M has no
// single schema: the shape is sniffed first and validated against
// whichever of the three mail schemas matches.
func validateShape(source syncmodel.Source, body []byte) error {
	var schema *jsonschema.Schema
	switch source {
	case syncmodel.SourceMail:
		schema = sniffMailSchema(body)
	default:
		s, ok := schemas[source]
		if !ok {
			return nil
		}
		schema = s
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return schema.Validate(instance)
}

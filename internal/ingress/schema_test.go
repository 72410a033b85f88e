package ingress

import (
	"testing"

	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

func TestValidateShapeAcceptsAllThreeMailShapes(t *testing.T) {
	cases := []string{
		`{"conversation":{"id":"c1"},"message_ids":["m1","m2"]}`,
		`{"external_id":"m1","message_ids":["m1"]}`,
		`{"external_id":"m1","trashed":true}`,
	}
	for _, body := range cases {
		if err := validateShape(syncmodel.SourceMail, []byte(body)); err != nil {
			t.Errorf("expected %s to validate, got %v", body, err)
		}
	}
}

func TestValidateShapeRejectsConversationMissingID(t *testing.T) {
	body := []byte(`{"conversation":{}}`)
	if err := validateShape(syncmodel.SourceMail, body); err == nil {
		t.Fatalf("expected a conversation object with no id to fail validation")
	}
}

func TestValidateShapeRejectsTrashedFalse(t *testing.T) {
	body := []byte(`{"external_id":"m1","trashed":false}`)
	if err := validateShape(syncmodel.SourceMail, body); err == nil {
		t.Fatalf("expected trashed=false to be rejected by the trash schema")
	}
}

func TestSniffMailSchemaPicksConversationOverMessage(t *testing.T) {
	schema := sniffMailSchema([]byte(`{"conversation":{"id":"c1"}}`))
	if schema != mailSchemas.conversation {
		t.Fatalf("expected the conversation schema for a nested conversation object")
	}
}

func TestSniffMailSchemaPicksTrash(t *testing.T) {
	schema := sniffMailSchema([]byte(`{"external_id":"m1","trashed":true}`))
	if schema != mailSchemas.trash {
		t.Fatalf("expected the trash schema when trashed is present")
	}
}

func TestSniffMailSchemaDefaultsToMessage(t *testing.T) {
	schema := sniffMailSchema([]byte(`{"external_id":"m1"}`))
	if schema != mailSchemas.message {
		t.Fatalf("expected the message schema as the default shape")
	}
}

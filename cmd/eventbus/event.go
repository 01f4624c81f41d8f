package main

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/mmate-eventbus/contracts"
)

// rawEvent publishes an arbitrary JSON object under a chosen event name.
type rawEvent struct {
	contracts.BaseIntegrationEvent
	name string
	doc  map[string]any
}

func newRawEvent(name string, body []byte) (rawEvent, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return rawEvent{}, fmt.Errorf("event body must be a JSON object: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	base := contracts.NewBaseIntegrationEvent()
	if code, ok := doc["tenantCode"].(string); ok {
		base.TenantCode = code
	}
	return rawEvent{BaseIntegrationEvent: base, name: name, doc: doc}, nil
}

func (e rawEvent) EventName() string { return e.name }

// MarshalJSON writes the document with the event identity fields set.
func (e rawEvent) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.doc)+2)
	for k, v := range e.doc {
		out[k] = v
	}
	out["id"] = e.ID
	out["createdAt"] = e.CreatedAt
	return json.Marshal(out)
}

package ingest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/roach88/vgomini/internal/ir"
)

//go:embed event.schema.json
var eventSchemaJSON string

const eventSchemaURL = "https://vgomini.local/schemas/event.schema.json"

// requiredFields are the fields whose absence is MISSING_FIELD rather than
// INVALID_EVENT.
var requiredFields = []string{"event_id", "occurred_at"}

func compileEventSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(eventSchemaURL, strings.NewReader(eventSchemaJSON)); err != nil {
		return nil, fmt.Errorf("event schema load failed: %w", err)
	}
	schema, err := c.Compile(eventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("event schema compile failed: %w", err)
	}
	return schema, nil
}

// parseEvent is the single validating parse at the ingress boundary.
// The amount is kept as the literal JSON number.
func parseEvent(schema *jsonschema.Schema, raw []byte) (ir.RawEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return ir.RawEvent{}, invalidEvent(fmt.Sprintf("not JSON: %v", err))
	}
	if _, err := dec.Token(); err != io.EOF {
		return ir.RawEvent{}, invalidEvent("trailing data after event object")
	}

	obj, isObject := doc.(map[string]any)
	if err := schema.Validate(doc); err != nil {
		return ir.RawEvent{}, classifySchemaError(obj, err)
	}
	if !isObject {
		return ir.RawEvent{}, invalidEvent("event must be a JSON object")
	}

	str := func(k string) string {
		s, _ := obj[k].(string)
		return s
	}
	ev := ir.RawEvent{
		EventID:     str("event_id"),
		PrincipalID: str("principal_id"),
		Currency:    str("currency"),
		Type:        ir.EventType(str("type")),
		OccurredAt:  str("occurred_at"),
	}
	if n, ok := obj["amount_minor"].(json.Number); ok {
		ev.AmountMinor = n
	}
	return ev, nil
}

// classifySchemaError maps a schema failure to MISSING_FIELD when it concerns
// a required field and to INVALID_EVENT otherwise.
func classifySchemaError(obj map[string]any, err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return invalidEvent(err.Error())
	}

	all := leaves(ve)
	for _, leaf := range all {
		if strings.HasSuffix(leaf.KeywordLocation, "/required") && obj != nil {
			for _, f := range requiredFields {
				if _, ok := obj[f]; !ok {
					return missingField(f, "required field is absent")
				}
			}
		}
		for _, f := range requiredFields {
			if leaf.InstanceLocation == "/"+f {
				return missingField(f, leaf.Message)
			}
		}
	}

	first := all[0]
	loc := first.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return invalidEvent(fmt.Sprintf("%s: %s", loc, first.Message))
}

func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

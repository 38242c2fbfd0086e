package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"
)

// Jq compiles a jq query into a transform applied to event payloads.
//
// The query sees the payload in primitive form (maps, slices, numbers,
// strings); struct payloads are converted via a JSON round trip. The
// event name is available as $event. A query producing no results drops
// the event; multiple results are collected into an array. Runtime
// failures pass the event through unchanged, logged when a logger is
// provided.
func Jq(query string, logger *zap.Logger) (Func, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parse jq query %q: %w", query, err)
	}
	compiled, err := gojq.Compile(parsed, gojq.WithVariables([]string{"$event"}))
	if err != nil {
		return nil, fmt.Errorf("compile jq query %q: %w", query, err)
	}

	return func(ev *Event) (*Event, bool) {
		input, err := toPrimitive(ev.Payload)
		if err != nil {
			if logger != nil {
				logger.Error("jq transform: payload not convertible",
					zap.String("event", ev.Name),
					zap.Error(err))
			}
			return ev, true
		}

		iter := compiled.RunWithContext(context.Background(), input, ev.Name)
		var results []any
		for {
			result, ok := iter.Next()
			if !ok {
				break
			}
			if execErr, isErr := result.(error); isErr {
				if logger != nil {
					logger.Error("jq transform: execution error",
						zap.String("event", ev.Name),
						zap.Error(execErr))
				}
				return ev, true
			}
			results = append(results, result)
		}

		if len(results) == 0 {
			return nil, false
		}
		payload := results[0]
		if len(results) > 1 {
			payload = any(results)
		}
		return &Event{Name: ev.Name, Payload: payload}, true
	}, nil
}

// toPrimitive converts a payload to the map/slice/scalar form jq expects.
func toPrimitive(payload any) (any, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case string:
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			return parsed, nil
		}
		return v, nil
	case []byte:
		var parsed any
		if err := json.Unmarshal(v, &parsed); err == nil {
			return parsed, nil
		}
		return string(v), nil
	}

	if needsRoundTrip(payload) {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		return out, nil
	}
	return payload, nil
}

// needsRoundTrip reports whether the value contains structs that jq
// cannot walk directly.
func needsRoundTrip(v any) bool {
	t := reflect.TypeOf(v)
	if t == nil {
		return false
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct:
		return true
	case reflect.Slice, reflect.Array:
		elem := t.Elem()
		for elem.Kind() == reflect.Ptr {
			elem = elem.Elem()
		}
		return elem.Kind() == reflect.Struct
	case reflect.Map:
		elem := t.Elem()
		for elem.Kind() == reflect.Ptr {
			elem = elem.Elem()
		}
		return elem.Kind() == reflect.Struct
	default:
		return false
	}
}

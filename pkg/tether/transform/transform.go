// Package transform provides composable transforms applied to push-channel
// events before they reach subscribers: pattern-based filtering, payload
// reshaping with jq queries, and old/new diffing.
//
// Patterns are MQTT-style ("+" one segment, "#" rest). Event names use the
// <domain>:<action> convention, so ":" is treated as a segment separator:
// the pattern "appointment/+" matches "appointment:created".
package transform

import (
	"strings"

	"github.com/amir-yaghoubi/mqttpattern"
)

// Event is a named payload flowing through a transform pipeline.
type Event struct {
	Name    string
	Payload any
}

// Func transforms an event. Returning a nil event drops it; the bool
// reports whether later transforms in a chain should still run.
type Func func(ev *Event) (*Event, bool)

// SimpleFunc transforms just the payload. Returning nil drops the event.
type SimpleFunc func(payload any, fields map[string]string) any

// Topic converts an event name to its pattern-matching form.
func Topic(name string) string {
	return strings.ReplaceAll(name, ":", "/")
}

// Matches reports whether an event name matches an MQTT-style pattern.
func Matches(pattern, name string) bool {
	return mqttpattern.Matches(pattern, Topic(name))
}

// Chain combines transforms into one, applied in order. A drop or a false
// continue flag stops the chain.
func Chain(transforms ...Func) Func {
	return func(ev *Event) (*Event, bool) {
		current := ev
		for _, t := range transforms {
			if current == nil {
				return nil, true
			}
			next, keepGoing := t(current)
			current = next
			if current == nil || !keepGoing {
				return current, keepGoing
			}
		}
		return current, true
	}
}

// DropPattern drops events whose names match the pattern.
func DropPattern(pattern string) Func {
	return func(ev *Event) (*Event, bool) {
		if Matches(pattern, ev.Name) {
			return nil, false
		}
		return ev, true
	}
}

// KeepPattern drops everything except events matching the pattern.
func KeepPattern(pattern string) Func {
	return func(ev *Event) (*Event, bool) {
		if Matches(pattern, ev.Name) {
			return ev, true
		}
		return nil, false
	}
}

// IfPattern applies a transform only to events matching the pattern;
// everything else passes through unchanged.
func IfPattern(pattern string, t Func) Func {
	return func(ev *Event) (*Event, bool) {
		if Matches(pattern, ev.Name) {
			return t(ev)
		}
		return ev, true
	}
}

// OnPattern applies a SimpleFunc to matching events, with fields extracted
// from the name by the pattern (e.g. "+domain/+action" yields domain and
// action fields).
func OnPattern(pattern string, t SimpleFunc) Func {
	return func(ev *Event) (*Event, bool) {
		topic := Topic(ev.Name)
		if !mqttpattern.Matches(pattern, topic) {
			return ev, true
		}
		fields := mqttpattern.Extract(pattern, topic)
		payload := t(ev.Payload, fields)
		if payload == nil {
			return nil, true
		}
		return &Event{Name: ev.Name, Payload: payload}, true
	}
}

// ModifyPayload applies a SimpleFunc to every event.
func ModifyPayload(t SimpleFunc) Func {
	return func(ev *Event) (*Event, bool) {
		payload := t(ev.Payload, nil)
		if payload == nil {
			return nil, true
		}
		return &Event{Name: ev.Name, Payload: payload}, true
	}
}

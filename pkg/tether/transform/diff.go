package transform

import (
	"github.com/tsarna/go-structdiff"
)

// Diff is a SimpleFunc that replaces {old, new} payloads with their
// structural difference. Sync-progress events carry full before/after
// snapshots; subscribers usually only care about what changed.
//
// A payload map with exactly "old" and "new" keys becomes the diff
// itself. A map with additional keys keeps them and gains a "delta" key
// in place of old/new. Anything else passes through unchanged.
func Diff(payload any, _ map[string]string) any {
	payloadMap, ok := payload.(map[string]any)
	if !ok {
		return payload
	}

	oldValue, hasOld := payloadMap["old"]
	newValue, hasNew := payloadMap["new"]
	if !hasOld || !hasNew {
		return payload
	}

	delta, err := structdiff.Diff(oldValue, newValue)
	if err != nil {
		return payload
	}

	if len(payloadMap) == 2 {
		return delta
	}

	out := make(map[string]any, len(payloadMap)-1)
	for key, value := range payloadMap {
		if key != "old" && key != "new" {
			out[key] = value
		}
	}
	out["delta"] = delta
	return out
}

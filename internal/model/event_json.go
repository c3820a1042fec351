package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// eventWire is the bit-exact JSON shape from spec.md §6: {"op":
// "upsert"|"delete", "key": "<base64>", "version": <int>, "expires_at":
// <iso8601>|null}. Unknown fields are ignored by encoding/json by
// default; missing required fields are caught by DecodeEvent.
type eventWire struct {
	Op        string  `json:"op"`
	Key       string  `json:"key"`
	Version   *int64  `json:"version"`
	ExpiresAt *string `json:"expires_at"`
}

// EncodeEvent renders e as the JSON payload the broadcast trigger emits.
// Exported primarily for tests that assert the trigger's output shape;
// production events are produced in SQL by the schema manager's trigger
// function, not by this method.
func EncodeEvent(e Event) ([]byte, error) {
	w := eventWire{
		Op:      string(e.Op),
		Key:     base64.StdEncoding.EncodeToString(e.Key),
		Version: &e.Version,
	}

	if e.ExpiresAt != nil {
		s := e.ExpiresAt.UTC().Format(time.RFC3339Nano)
		w.ExpiresAt = &s
	}

	return json.Marshal(w)
}

// DecodeEvent parses a raw NOTIFY payload. A malformed event (invalid
// JSON, missing required field, unknown op, bad base64/timestamp)
// returns an error; callers must log and discard rather than propagate
// (spec.md §4.5): a single bad event must never crash the listener.
func DecodeEvent(payload []byte) (Event, error) {
	var w eventWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, fmt.Errorf("malformed event json: %w", err)
	}

	if w.Op == "" || w.Key == "" || w.Version == nil {
		return Event{}, fmt.Errorf("malformed event: missing required field(s)")
	}

	op := Op(w.Op)
	if op != OpUpsert && op != OpDelete {
		return Event{}, fmt.Errorf("malformed event: unknown op %q", w.Op)
	}

	key, err := base64.StdEncoding.DecodeString(w.Key)
	if err != nil {
		return Event{}, fmt.Errorf("malformed event: bad base64 key: %w", err)
	}

	e := Event{Op: op, Key: key, Version: *w.Version}

	if w.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339Nano, *w.ExpiresAt)
		if err != nil {
			return Event{}, fmt.Errorf("malformed event: bad expires_at: %w", err)
		}

		t = t.UTC()
		e.ExpiresAt = &t
	}

	return e, nil
}

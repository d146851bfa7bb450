package domain

import (
	"encoding/json"
	"time"
)

// OptionalTime tells an omitted JSON field apart from an explicit null.
// Set is true whenever the key was present; Value is nil for null.
type OptionalTime struct {
	Set   bool
	Value *time.Time
}

// SetTime returns a present OptionalTime. A nil t clears the field.
func SetTime(t *time.Time) OptionalTime {
	return OptionalTime{Set: true, Value: t}
}

func (o *OptionalTime) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Value = nil
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	o.Value = &t
	return nil
}

func (o OptionalTime) MarshalJSON() ([]byte, error) {
	if !o.Set || o.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// Clears reports an explicit null.
func (o OptionalTime) Clears() bool {
	return o.Set && o.Value == nil
}

package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknown is returned when a plan identifier is not in the table.
var ErrUnknown = errors.New("plan: unknown plan")

// Type identifies a subscription plan.
type Type string

const (
	Free  Type = "free"
	Basic Type = "basic"
	Pro   Type = "pro"
)

// limits maps each plan to its monthly voice minute allowance.
var limits = map[Type]int64{
	Free:  10,
	Basic: 100,
	Pro:   500,
}

// Parse converts a plan identifier into a Type, ignoring case and surrounding space.
func Parse(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := limits[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknown, s)
	}
	return t, nil
}

// MinutesLimit returns the monthly minute allowance for the plan.
// Unknown plans have no allowance.
func (t Type) MinutesLimit() int64 {
	return limits[t]
}

// Valid reports whether t is a known plan.
func (t Type) Valid() bool {
	_, ok := limits[t]
	return ok
}

func (t Type) String() string {
	return string(t)
}

// UnmarshalJSON implements json.Unmarshaler, normalizing the identifier and
// rejecting unknown plans.
func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(t))
}

// All returns every known plan ordered by allowance.
func All() []Type {
	return []Type{Free, Basic, Pro}
}

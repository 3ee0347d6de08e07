package rbac

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wildcard is the only wildcard token. It may stand for the resource segment, or for both segments.
const Wildcard = "*"

// PermissionCode is a validated "<action>:<resource>" value.
type PermissionCode struct {
	Action   string
	Resource string
}

// ParsePermissionCode validates s. Accepted forms: "action:resource", "action:*" and "*:*".
func ParsePermissionCode(s string) (PermissionCode, error) {
	s = strings.TrimSpace(s)
	action, resource, ok := strings.Cut(s, ":")
	if !ok || strings.Contains(resource, ":") {
		return PermissionCode{}, fmt.Errorf("%w: permission code %q must have the form action:resource", ErrInvalidInput, s)
	}
	if !validSegment(action) || !validSegment(resource) {
		return PermissionCode{}, fmt.Errorf("%w: permission code %q has an invalid segment", ErrInvalidInput, s)
	}
	if action == Wildcard && resource != Wildcard {
		return PermissionCode{}, fmt.Errorf("%w: permission code %q: a wildcard action requires a wildcard resource", ErrInvalidInput, s)
	}
	return PermissionCode{Action: action, Resource: resource}, nil
}

// MustParsePermissionCode panics on malformed input. Intended for constants and tests.
func MustParsePermissionCode(s string) PermissionCode {
	c, err := ParsePermissionCode(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ParsePermissionCodes parses and de-duplicates, preserving first-seen order.
func ParsePermissionCodes(values []string) ([]PermissionCode, error) {
	seen := make(map[PermissionCode]struct{}, len(values))
	out := make([]PermissionCode, 0, len(values))
	for _, v := range values {
		c, err := ParsePermissionCode(v)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}

func validSegment(s string) bool {
	if s == Wildcard {
		return true
	}
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

func (c PermissionCode) String() string { return c.Action + ":" + c.Resource }

// IsZero reports whether c is the zero value.
func (c PermissionCode) IsZero() bool { return c.Action == "" && c.Resource == "" }

// IsWildcard reports whether c covers more than one resource.
func (c PermissionCode) IsWildcard() bool { return c.Resource == Wildcard }

// Matches reports whether the stored code c grants requested. "*:*" grants everything, "a:*" grants
// any "a:x", anything else only grants itself.
func (c PermissionCode) Matches(requested PermissionCode) bool {
	if c.Action == Wildcard {
		return true
	}
	if c.Action != requested.Action {
		return false
	}
	return c.Resource == Wildcard || c.Resource == requested.Resource
}

// specificity orders codes within one role: exact codes first, "*:*" last.
func (c PermissionCode) specificity() int {
	switch {
	case c.Action == Wildcard:
		return 2
	case c.Resource == Wildcard:
		return 1
	default:
		return 0
	}
}

func (c PermissionCode) MarshalJSON() ([]byte, error) {
	if c.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(c.String())
}

func (c *PermissionCode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*c = PermissionCode{}
		return nil
	}
	parsed, err := ParsePermissionCode(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// CodeStrings renders codes for storage and logs.
func CodeStrings(codes []PermissionCode) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = c.String()
	}
	return out
}

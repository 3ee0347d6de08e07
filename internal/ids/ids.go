package ids

import (
	"fmt"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes keep identifiers of different entities visually distinct in logs and audit trails.
const (
	PrefixOrganization = "org"
	PrefixRole         = "role"
	PrefixAssignment   = "asg"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewWithPrefix returns "<prefix>_<ulid>".
func NewWithPrefix(prefix string) string {
	return prefix + "_" + New()
}

// Parse splits a prefixed identifier and validates its ULID part.
func Parse(id string) (prefix string, value ulid.ULID, err error) {
	prefix, raw, ok := strings.Cut(id, "_")
	if !ok || prefix == "" {
		return "", ulid.ULID{}, fmt.Errorf("identifier %q has no prefix", id)
	}
	value, err = ulid.ParseStrict(raw)
	if err != nil {
		return "", ulid.ULID{}, fmt.Errorf("identifier %q: %w", id, err)
	}
	return prefix, value, nil
}

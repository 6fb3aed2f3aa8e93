package model

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects which upstream record shape a collection holds.
type Kind string

const (
	KindBookings Kind = "bookings"
	KindPhotos   Kind = "photos"
)

// ParseKind validates a kind name. An empty name is rejected.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindBookings, KindPhotos:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown collection kind %q (want %q or %q)", s, KindBookings, KindPhotos)
	}
}

// reservedNames are path segments of the admin routes under /api/sync that a
// collection name would collide with.
var reservedNames = map[string]bool{"status": true, "token": true, "config": true}

// ValidateCollectionName rejects names that cannot be addressed as a single
// path segment of the sync routes.
func ValidateCollectionName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("collection name is empty")
	case strings.ContainsAny(name, "/?#"):
		return fmt.Errorf("collection name %q must not contain '/', '?' or '#'", name)
	case reservedNames[strings.ToLower(name)]:
		return fmt.Errorf("collection name %q is reserved", name)
	}
	return nil
}

// SyncConfig is the synchronisation configuration for one collection. It is
// owned by the settings store and re-read before every managed sync pass.
type SyncConfig struct {
	// APIURL is the remote base URL, e.g. "https://api.example.com".
	APIURL string

	// Endpoint is the path relative to APIURL, e.g. "api/v1/Bookings".
	Endpoint string

	// BearerToken is sent as "Authorization: Bearer <token>" when non-empty.
	BearerToken string

	// Headers are extra request headers sent on every call.
	Headers map[string]string

	// CollectionName is the local collection the records are upserted into.
	CollectionName string

	// Kind selects the record shape. Defaults from CollectionName.
	Kind Kind

	AutoSync     bool
	SyncInterval time.Duration

	// RetryAttempts is the total number of attempts per remote fetch.
	RetryAttempts int
	RetryDelay    time.Duration

	// FieldMapping copies upstream source fields into the record's mapped
	// overlay under the target name.
	FieldMapping map[string]string
}

// Clone returns a deep copy of c.
func (c SyncConfig) Clone() SyncConfig {
	out := c
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	if c.FieldMapping != nil {
		out.FieldMapping = make(map[string]string, len(c.FieldMapping))
		for k, v := range c.FieldMapping {
			out.FieldMapping[k] = v
		}
	}
	return out
}

// ResolvedKind returns Kind, falling back to the collection name.
func (c SyncConfig) ResolvedKind() (Kind, error) {
	if c.Kind != "" {
		return ParseKind(string(c.Kind))
	}
	return ParseKind(c.CollectionName)
}

// AutoSyncEnabled reports whether the scheduler should run for c.
func (c SyncConfig) AutoSyncEnabled() bool {
	return c.AutoSync && c.SyncInterval > 0
}

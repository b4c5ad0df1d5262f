// Package keyspace implements the hierarchical key convention used on the
// bus. Pub/sub keys have the fixed shape
//
//	{realm}.v0.{entity_id}.pubsub.{subject}.{source_id}
//
// where source_id may itself contain dots. The subject segment is what the
// schema registry keys on.
package keyspace

import (
	"fmt"
	"strings"
)

// PubSubKeyFormat documents the pub/sub key shape for help texts.
const PubSubKeyFormat = "{realm}.v0.{entity_id}.pubsub.{subject}.{source_id}"

const (
	version      = "v0"
	pubSubMarker = "pubsub"
	minSegments  = 6
)

// MalformedKeyError reports a key that does not match the expected shape.
// Recoverable: the caller should drop the sample, never crash the session.
type MalformedKeyError struct {
	Key string
}

func (e *MalformedKeyError) Error() string {
	return fmt.Sprintf("key %q does not match %s", e.Key, PubSubKeyFormat)
}

// PubSubKey is a parsed pub/sub key.
type PubSubKey struct {
	Realm    string
	EntityID string
	Subject  string
	SourceID string
}

// String reassembles the key.
func (k PubSubKey) String() string {
	return PubSub(k.Realm, k.EntityID, k.Subject, k.SourceID)
}

// PubSub constructs a pub/sub key from its segments.
func PubSub(realm, entityID, subject, sourceID string) string {
	return strings.Join([]string{realm, version, entityID, pubSubMarker, subject, sourceID}, ".")
}

// Parse splits key into its segments, or returns *MalformedKeyError.
func Parse(key string) (PubSubKey, error) {
	parts := strings.Split(key, ".")
	if len(parts) < minSegments || parts[1] != version || parts[3] != pubSubMarker {
		return PubSubKey{}, &MalformedKeyError{Key: key}
	}
	for _, p := range parts[:minSegments-1] {
		if p == "" {
			return PubSubKey{}, &MalformedKeyError{Key: key}
		}
	}
	sourceID := strings.Join(parts[5:], ".")
	if sourceID == "" {
		return PubSubKey{}, &MalformedKeyError{Key: key}
	}
	return PubSubKey{
		Realm:    parts[0],
		EntityID: parts[2],
		Subject:  parts[4],
		SourceID: sourceID,
	}, nil
}

// Subject extracts the subject segment from a pub/sub key.
func Subject(key string) (string, error) {
	k, err := Parse(key)
	if err != nil {
		return "", err
	}
	return k.Subject, nil
}

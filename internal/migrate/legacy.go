// Package migrate reads the legacy single-blob export format used before
// the change-set protocol existed: one JSON document carrying the full
// tracker dataset. Imports go through the snapshot (full-replace) path, so
// a legacy file becomes the authoritative state for its tenant in one
// revision.
package migrate

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mgrattan/permitsync/internal/record"
)

// Meta is the envelope metadata of a legacy payload.
type Meta struct {
	App           string
	SchemaVersion int
	Backend       string
	SavedAt       time.Time
}

// legacyPayload is the on-disk envelope: {app, schemaVersion, backend,
// savedAtUtc, data}. Older exports wrote the bundle at the top level with
// no envelope at all, so Data is optional.
type legacyPayload struct {
	App           string         `json:"app"`
	SchemaVersion int            `json:"schemaVersion"`
	Backend       string         `json:"backend"`
	SavedAtUTC    string         `json:"savedAtUtc"`
	Data          *record.Bundle `json:"data"`
}

// ParseBundle decodes a legacy export. Envelope metadata is best-effort;
// the bundle itself is cleaned with the same rules as any other input
// (blank keys dropped, malformed arrays empty).
func ParseBundle(data []byte) (record.Bundle, Meta, error) {
	var payload legacyPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return record.Bundle{}, Meta{}, fmt.Errorf("failed to parse legacy payload: %w", err)
	}

	meta := Meta{
		App:           payload.App,
		SchemaVersion: payload.SchemaVersion,
		Backend:       payload.Backend,
	}
	if payload.SavedAtUTC != "" {
		if t, err := time.Parse(time.RFC3339, payload.SavedAtUTC); err == nil {
			meta.SavedAt = t.UTC()
		}
	}

	var bundle record.Bundle
	if payload.Data != nil {
		bundle = *payload.Data
	} else {
		// Pre-envelope export: the document itself is the bundle.
		if err := json.Unmarshal(data, &bundle); err != nil {
			return record.Bundle{}, Meta{}, fmt.Errorf("failed to parse legacy bundle: %w", err)
		}
	}
	bundle.Clean()
	return bundle, meta, nil
}

// ReadBundleFile reads and parses a legacy export file.
func ReadBundleFile(path string) (record.Bundle, Meta, error) {
	data, err := os.ReadFile(path) // #nosec G304 - controlled path from CLI/daemon
	if err != nil {
		return record.Bundle{}, Meta{}, fmt.Errorf("failed to read legacy file: %w", err)
	}
	return ParseBundle(data)
}

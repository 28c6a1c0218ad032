// Package models provides the data model shared by connectors, the metadata
// extractor, the catalog and the discovery orchestrator.
//
// CatalogedAsset is the unit of record. HistoryEntry is the append-only audit
// trail of an asset, and ScanRun describes one discovery execution.
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PIIRisk is the heuristic classification of an asset's likelihood of
// containing personally identifiable information.
type PIIRisk string

const (
	PIIRiskNone   PIIRisk = "none"
	PIIRiskLow    PIIRisk = "low"
	PIIRiskMedium PIIRisk = "medium"
	PIIRiskHigh   PIIRisk = "high"
	// PIIRiskUnknown means nothing could be inspected. It is never promoted to none.
	PIIRiskUnknown PIIRisk = "unknown"
)

// rank orders known risks. Unknown ranks below none so that any inspected
// evidence replaces it.
func (r PIIRisk) rank() int {
	switch r {
	case PIIRiskNone:
		return 0
	case PIIRiskLow:
		return 1
	case PIIRiskMedium:
		return 2
	case PIIRiskHigh:
		return 3
	default:
		return -1
	}
}

// Valid reports whether r is one of the defined risk values.
func (r PIIRisk) Valid() bool {
	return r == PIIRiskUnknown || r.rank() >= 0
}

// MaxRisk returns the higher of a and b.
func MaxRisk(a, b PIIRisk) PIIRisk {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ParsePIIRisk parses a stored or user supplied risk value.
func ParsePIIRisk(s string) (PIIRisk, error) {
	r := PIIRisk(strings.ToLower(strings.TrimSpace(s)))
	if r == "" {
		return PIIRiskUnknown, nil
	}
	if !r.Valid() {
		return "", fmt.Errorf("invalid pii risk %q", s)
	}
	return r, nil
}

// Normalized field types. Connectors map native types onto these and the
// extractor infers them from samples.
const (
	TypeString    = "string"
	TypeInteger   = "integer"
	TypeFloat     = "float"
	TypeDecimal   = "decimal"
	TypeBoolean   = "boolean"
	TypeTimestamp = "timestamp"
	TypeDate      = "date"
	TypeBinary    = "binary"
	TypeObject    = "object"
	TypeArray     = "array"
	TypeUnknown   = "unknown"
)

// Field is one column or attribute of an asset schema.
type Field struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Nullable    bool   `json:"nullable"`
	Description string `json:"description,omitempty"`
}

// Fingerprint pairs the identity hash (row identity) with the content hash
// (change detection).
type Fingerprint struct {
	IdentityHash string `json:"identity_hash"`
	ContentHash  string `json:"content_hash"`
}

// CatalogedAsset is the persisted description of one logical asset.
// Exactly one exists per (SourceID, Location).
type CatalogedAsset struct {
	AssetID    string    `json:"asset_id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	SourceID   string    `json:"source_id"`
	Location   string    `json:"location"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`

	Schema   []Field           `json:"schema,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// QualityScore is in [0,1]; nil means unknown
	QualityScore *float64 `json:"quality_score"`
	PIIRisk      PIIRisk  `json:"pii_risk"`

	FirstSeenAt time.Time   `json:"first_seen_at"`
	LastSeenAt  time.Time   `json:"last_seen_at"`
	Fingerprint Fingerprint `json:"fingerprint"`

	// LastRunID is the run that last observed the asset
	LastRunID string    `json:"last_run_id,omitempty"`
	Removed   bool      `json:"removed,omitempty"`
	RemovedAt time.Time `json:"removed_at,omitempty"`
}

// QualityKnown reports whether a quality score was computed.
func (a *CatalogedAsset) QualityKnown() bool {
	return a.QualityScore != nil
}

// HasTag reports whether tag is set on the asset, ignoring case.
func (a *CatalogedAsset) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so cached values cannot be mutated by callers.
func (a *CatalogedAsset) Clone() *CatalogedAsset {
	if a == nil {
		return nil
	}
	c := *a
	if a.Schema != nil {
		c.Schema = append([]Field(nil), a.Schema...)
	}
	if a.Tags != nil {
		c.Tags = append([]string(nil), a.Tags...)
	}
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	if a.QualityScore != nil {
		q := *a.QualityScore
		c.QualityScore = &q
	}
	return &c
}

// NormalizeTags trims, lowercases, dedupes and sorts tags.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ChangeKind classifies a history entry.
type ChangeKind string

const (
	ChangeCreated   ChangeKind = "created"
	ChangeUpdated   ChangeKind = "updated"
	ChangeUnchanged ChangeKind = "unchanged"
	ChangeRemoved   ChangeKind = "removed"
)

// HistoryEntry is one append-only audit record of an asset.
type HistoryEntry struct {
	AssetID string `json:"asset_id"`
	// Seq is strictly increasing per asset
	Seq          int64      `json:"seq"`
	ObservedAt   time.Time  `json:"observed_at"`
	RunID        string     `json:"run_id"`
	PreviousHash string     `json:"previous_hash,omitempty"`
	NewHash      string     `json:"new_hash,omitempty"`
	ChangeKind   ChangeKind `json:"change_kind"`
}

// UpsertResult reports what a catalog upsert did.
type UpsertResult struct {
	AssetID string
	Kind    ChangeKind
}

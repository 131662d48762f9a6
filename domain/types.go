package domain

import "time"

// State is a character state document: a nested map addressed by dotted
// field paths such as "resources.spell_slots.level_1".
type State map[string]any

// SyncDirection controls which way a subscription moves state.
type SyncDirection string

const (
	DirectionBidirectional SyncDirection = "bidirectional"
	DirectionPush          SyncDirection = "push"
	DirectionPull          SyncDirection = "pull"
)

// ValidDirection reports whether d is one of the known sync directions.
func ValidDirection(d SyncDirection) bool {
	switch d {
	case DirectionBidirectional, DirectionPush, DirectionPull:
		return true
	}
	return false
}

// ChangeSource identifies which side of the sync produced a change.
type ChangeSource string

const (
	SourceCharacter ChangeSource = "character"
	SourceCampaign  ChangeSource = "campaign"
)

// SyncMode marks whether a change should be pushed immediately or may wait
// for the next batch window.
type SyncMode string

const (
	SyncModeRealtime SyncMode = "realtime"
	SyncModeBatch    SyncMode = "batch"
)

// StateChange is a single field mutation moving through the pipeline. It is
// transient: produced at mutation time and discarded once consumed.
type StateChange struct {
	CharacterID string       `json:"characterId"`
	CampaignID  string       `json:"campaignId,omitempty"`
	FieldPath   string       `json:"fieldPath"`
	OldValue    any          `json:"oldValue,omitempty"`
	NewValue    any          `json:"newValue"`
	Timestamp   time.Time    `json:"timestamp"`
	Source      ChangeSource `json:"source"`
	SyncMode    SyncMode     `json:"syncMode,omitempty"`
}

// SyncMetadata tracks version counters for one (character, campaign) pair.
// Versions are monotonically non-decreasing per side.
type SyncMetadata struct {
	CharacterID      string    `json:"characterId"`
	CampaignID       string    `json:"campaignId"`
	CharacterVersion int64     `json:"characterVersion"`
	CampaignVersion  int64     `json:"campaignVersion"`
	LastSync         time.Time `json:"lastSync"`
}

// SyncConflict records a field that changed on both sides since the last
// agreed base. At most one record exists per (character, field path,
// character version, campaign version); once resolved it is immutable.
type SyncConflict struct {
	ID                 string     `json:"id"`
	CharacterID        string     `json:"characterId"`
	CampaignID         string     `json:"campaignId"`
	FieldPath          string     `json:"fieldPath"`
	CharacterValue     any        `json:"characterValue"`
	CampaignValue      any        `json:"campaignValue"`
	CharacterVersion   int64      `json:"characterVersion"`
	CampaignVersion    int64      `json:"campaignVersion"`
	DetectedAt         time.Time  `json:"detectedAt"`
	Resolved           bool       `json:"resolved"`
	ResolutionStrategy string     `json:"resolutionStrategy,omitempty"`
	ResolvedValue      any        `json:"resolvedValue,omitempty"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty"`
}

// SyncSubscription declares which fields of a character a campaign is
// interested in and the direction state moves.
type SyncSubscription struct {
	CharacterID string        `json:"characterId"`
	CampaignID  string        `json:"campaignId"`
	Fields      []string      `json:"fields"`
	Direction   SyncDirection `json:"direction"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Covers reports whether the subscription's field allow-list includes the
// given path. An empty allow-list covers everything.
func (s SyncSubscription) Covers(path string) bool {
	if len(s.Fields) == 0 {
		return true
	}
	for _, f := range s.Fields {
		if f == path || pathWithin(f, path) {
			return true
		}
	}
	return false
}

// pathWithin reports whether path is nested under prefix, e.g.
// "resources" contains "resources.spell_slots".
func pathWithin(prefix, path string) bool {
	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '.'
}

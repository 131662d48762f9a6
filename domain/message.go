package domain

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// MessageType tags every envelope on the bus. The consumer switches on it
// exhaustively; an unknown tag is a protocol error, never a crash.
type MessageType string

const (
	// Consumed topics.
	MessageCampaignStateUpdate  MessageType = "campaign-state-update"
	MessageCharacterStateChange MessageType = "character-state-change"
	MessageSyncControl          MessageType = "sync-control"
	MessageVersionQuery         MessageType = "version-query"

	// Produced control-plane topics.
	MessageCampaignStateAck   MessageType = "campaign-state-ack"
	MessageCampaignStateError MessageType = "campaign-state-error"
	MessageSyncStatus         MessageType = "sync-status"
	MessageSyncError          MessageType = "sync-error"
	MessageVersionInfo        MessageType = "version-info"

	// Outbound domain events handled by the publication manager.
	MessageCampaignEvent  MessageType = "campaign-event"
	MessageCharacterState MessageType = "character-state"
	MessageProgressEvent  MessageType = "progress-event"
)

// MetaCorrelationID carries the id of the message a reply answers.
const MetaCorrelationID = "correlationId"

// Message is the wire envelope for every queue in the subsystem.
// Identifiers are opaque globally-unique strings; timestamps serialize as
// RFC 3339.
type Message struct {
	ID          string                 `json:"id"`
	Type        MessageType            `json:"type"`
	CharacterID string                 `json:"characterId,omitempty"`
	CampaignID  string                 `json:"campaignId,omitempty"`
	Version     int64                  `json:"version,omitempty"`
	StateData   sonic.NoCopyRawMessage `json:"stateData,omitempty"`
	Command     string                 `json:"command,omitempty"`
	Fields      []string               `json:"fields,omitempty"`
	Direction   SyncDirection          `json:"direction,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]string      `json:"metadata,omitempty"`
	RetryCount  int                    `json:"retryCount,omitempty"`
}

// NewMessage creates an envelope with a fresh id and timestamp.
func NewMessage(t MessageType) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
}

// Reply creates a new envelope of the given type correlated back to m and
// addressed to the same (character, campaign) pair.
func (m Message) Reply(t MessageType) Message {
	r := NewMessage(t)
	r.CharacterID = m.CharacterID
	r.CampaignID = m.CampaignID
	r.Metadata = map[string]string{MetaCorrelationID: m.ID}
	return r
}

// ErrorReply builds a correlated error envelope carrying the failure text.
func (m Message) ErrorReply(t MessageType, cause error) Message {
	r := m.Reply(t)
	if cause != nil {
		r.Metadata["error"] = cause.Error()
	}
	return r
}

// WithState marshals the payload into the envelope's StateData.
func (m Message) WithState(payload any) (Message, error) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return m, err
	}
	m.StateData = data
	return m, nil
}

// VersionInfo is the version-query reply payload. Zero values mean the pair
// has never synced.
type VersionInfo struct {
	CharacterVersion int64     `json:"characterVersion"`
	CampaignVersion  int64     `json:"campaignVersion"`
	LastSync         time.Time `json:"lastSync"`
}

// ChangeSet is the character-state-change payload: a list of local field
// deltas to forward into the pipeline.
type ChangeSet struct {
	Changes []FieldDelta `json:"changes"`
}

// FieldDelta is one entry of a ChangeSet.
type FieldDelta struct {
	FieldPath string `json:"fieldPath"`
	OldValue  any    `json:"oldValue,omitempty"`
	NewValue  any    `json:"newValue"`
}

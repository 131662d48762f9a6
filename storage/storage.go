package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"charsync/domain"
)

// Tables names the four tables of the system of record.
type Tables struct {
	Metadata      string
	Conflicts     string
	Subscriptions string
	States        string
}

// Store is the durable system of record: sync metadata, conflict history,
// subscriptions and character state snapshots, all in Azure Tables.
type Store struct {
	metadata      *aztables.Client
	conflicts     *aztables.Client
	subscriptions *aztables.Client
	states        *aztables.Client
}

// New creates a Store from the given connection string.
func New(connStr string, tables Tables) (*Store, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Store{
		metadata:      svc.NewClient(tables.Metadata),
		conflicts:     svc.NewClient(tables.Conflicts),
		subscriptions: svc.NewClient(tables.Subscriptions),
		states:        svc.NewClient(tables.States),
	}, nil
}

const (
	currentStateRowKey = "current"
	basePrefix         = "base"
)

type metadataEntity struct {
	aztables.Entity
	CharacterVersion int64  `json:"CharacterVersion"`
	CampaignVersion  int64  `json:"CampaignVersion"`
	LastSync         string `json:"LastSync"`
}

// GetSyncMetadata loads the version record for one pair.
func (s *Store) GetSyncMetadata(ctx context.Context, characterID, campaignID string) (domain.SyncMetadata, bool, error) {
	resp, err := s.metadata.GetEntity(ctx, characterID, campaignID, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.SyncMetadata{}, false, nil
		}
		return domain.SyncMetadata{}, false, err
	}
	var ent metadataEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.SyncMetadata{}, false, err
	}
	lastSync, _ := time.Parse(time.RFC3339Nano, ent.LastSync)
	return domain.SyncMetadata{
		CharacterID:      characterID,
		CampaignID:       campaignID,
		CharacterVersion: ent.CharacterVersion,
		CampaignVersion:  ent.CampaignVersion,
		LastSync:         lastSync,
	}, true, nil
}

// UpsertSyncMetadata persists the version record for one pair.
func (s *Store) UpsertSyncMetadata(ctx context.Context, meta domain.SyncMetadata) error {
	ent := metadataEntity{
		Entity: aztables.Entity{
			PartitionKey: meta.CharacterID,
			RowKey:       meta.CampaignID,
		},
		CharacterVersion: meta.CharacterVersion,
		CampaignVersion:  meta.CampaignVersion,
		LastSync:         meta.LastSync.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.metadata.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

type conflictEntity struct {
	aztables.Entity
	CampaignID         string `json:"CampaignId"`
	FieldPath          string `json:"FieldPath"`
	CharacterValue     string `json:"CharacterValue"`
	CampaignValue      string `json:"CampaignValue"`
	CharacterVersion   int64  `json:"CharacterVersion"`
	CampaignVersion    int64  `json:"CampaignVersion"`
	DetectedAt         string `json:"DetectedAt"`
	Resolved           bool   `json:"Resolved"`
	ResolutionStrategy string `json:"ResolutionStrategy"`
	ResolvedValue      string `json:"ResolvedValue"`
	ResolvedAt         string `json:"ResolvedAt"`
}

// InsertConflict adds a conflict record. The conflict id doubles as the row
// key, so a second insert for the same identity fails with
// *domain.AlreadyExistsError.
func (s *Store) InsertConflict(ctx context.Context, c domain.SyncConflict) error {
	ent := conflictEntity{
		Entity: aztables.Entity{
			PartitionKey: c.CharacterID,
			RowKey:       c.ID,
		},
		CampaignID:         c.CampaignID,
		FieldPath:          c.FieldPath,
		CharacterValue:     encodeValue(c.CharacterValue),
		CampaignValue:      encodeValue(c.CampaignValue),
		CharacterVersion:   c.CharacterVersion,
		CampaignVersion:    c.CampaignVersion,
		DetectedAt:         c.DetectedAt.UTC().Format(time.RFC3339Nano),
		Resolved:           c.Resolved,
		ResolutionStrategy: c.ResolutionStrategy,
		ResolvedValue:      encodeValue(c.ResolvedValue),
	}
	if c.ResolvedAt != nil {
		ent.ResolvedAt = c.ResolvedAt.UTC().Format(time.RFC3339Nano)
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	if _, err := s.conflicts.AddEntity(ctx, payload, nil); err != nil {
		if isConflict(err) {
			return &domain.AlreadyExistsError{ID: c.ID}
		}
		return err
	}
	return nil
}

// ListConflicts returns the character's conflict history, optionally
// filtered by resolution state.
func (s *Store) ListConflicts(ctx context.Context, characterID string, resolved *bool) ([]domain.SyncConflict, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", characterID)
	if resolved != nil {
		filter += fmt.Sprintf(" and Resolved eq %t", *resolved)
	}
	pager := s.conflicts.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var out []domain.SyncConflict
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent conflictEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			out = append(out, conflictFromEntity(ent))
		}
	}
	return out, nil
}

// MarkConflictResolved finalizes an unresolved conflict record. Resolved
// records are immutable: marking one again is a no-op.
func (s *Store) MarkConflictResolved(ctx context.Context, characterID, conflictID string, resolvedValue any, strategy string, at time.Time) error {
	resp, err := s.conflicts.GetEntity(ctx, characterID, conflictID, nil)
	if err != nil {
		return err
	}
	var ent conflictEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return err
	}
	if ent.Resolved {
		return nil
	}
	updates := map[string]any{
		"PartitionKey":       characterID,
		"RowKey":             conflictID,
		"Resolved":           true,
		"ResolutionStrategy": strategy,
		"ResolvedValue":      encodeValue(resolvedValue),
		"ResolvedAt":         at.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(updates)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.conflicts.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return err
}

type subscriptionEntity struct {
	aztables.Entity
	Fields    string `json:"Fields"`
	Direction string `json:"Direction"`
	UpdatedAt string `json:"UpdatedAt"`
}

// GetSubscription loads the subscription for one pair.
func (s *Store) GetSubscription(ctx context.Context, characterID, campaignID string) (domain.SyncSubscription, bool, error) {
	resp, err := s.subscriptions.GetEntity(ctx, characterID, campaignID, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.SyncSubscription{}, false, nil
		}
		return domain.SyncSubscription{}, false, err
	}
	var ent subscriptionEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.SyncSubscription{}, false, err
	}
	return subscriptionFromEntity(characterID, campaignID, ent), true, nil
}

// ListSubscriptions returns every subscription for a character.
func (s *Store) ListSubscriptions(ctx context.Context, characterID string) ([]domain.SyncSubscription, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", characterID)
	pager := s.subscriptions.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var out []domain.SyncSubscription
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent subscriptionEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			out = append(out, subscriptionFromEntity(characterID, ent.RowKey, ent))
		}
	}
	return out, nil
}

// UpsertSubscription persists a subscription.
func (s *Store) UpsertSubscription(ctx context.Context, sub domain.SyncSubscription) error {
	fields, err := json.Marshal(sub.Fields)
	if err != nil {
		return err
	}
	ent := subscriptionEntity{
		Entity: aztables.Entity{
			PartitionKey: sub.CharacterID,
			RowKey:       sub.CampaignID,
		},
		Fields:    string(fields),
		Direction: string(sub.Direction),
		UpdatedAt: sub.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.subscriptions.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// DeleteSubscription drops the subscription for one pair. Deleting a
// missing subscription is a no-op.
func (s *Store) DeleteSubscription(ctx context.Context, characterID, campaignID string) error {
	_, err := s.subscriptions.DeleteEntity(ctx, characterID, campaignID, nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

type stateEntity struct {
	aztables.Entity
	State   string `json:"State"`
	Version int64  `json:"Version"`
}

// GetCurrentState loads the live state document and its character version.
// A character with no persisted state starts from an empty document at
// version zero.
func (s *Store) GetCurrentState(ctx context.Context, characterID string) (domain.State, int64, error) {
	resp, err := s.states.GetEntity(ctx, characterID, currentStateRowKey, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.State{}, 0, nil
		}
		return nil, 0, err
	}
	var ent stateEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, 0, err
	}
	st, err := decodeState(ent.State)
	if err != nil {
		return nil, 0, err
	}
	return st, ent.Version, nil
}

// UpsertCurrentState persists the live state document.
func (s *Store) UpsertCurrentState(ctx context.Context, characterID string, state domain.State, version int64) error {
	return s.upsertState(ctx, characterID, currentStateRowKey, state, version)
}

// GetBaseState loads the agreed base snapshot at a campaign version.
func (s *Store) GetBaseState(ctx context.Context, characterID, campaignID string, campaignVersion int64) (domain.State, bool, error) {
	resp, err := s.states.GetEntity(ctx, characterID, baseRowKey(campaignID, campaignVersion), nil)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var ent stateEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, false, err
	}
	st, err := decodeState(ent.State)
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

// UpsertBaseState persists the agreed base snapshot for a campaign version.
func (s *Store) UpsertBaseState(ctx context.Context, characterID, campaignID string, campaignVersion int64, state domain.State) error {
	return s.upsertState(ctx, characterID, baseRowKey(campaignID, campaignVersion), state, campaignVersion)
}

// GetBaseStateBefore reconstructs the newest base snapshot strictly older
// than the given campaign version.
func (s *Store) GetBaseStateBefore(ctx context.Context, characterID, campaignID string, campaignVersion int64) (domain.State, int64, bool, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and RowKey ge '%s' and RowKey lt '%s'",
		characterID, baseRowKey(campaignID, 0), baseRowKey(campaignID, campaignVersion))
	pager := s.states.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var (
		best    stateEntity
		bestKey string
	)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, 0, false, err
		}
		for _, raw := range resp.Entities {
			var ent stateEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, 0, false, err
			}
			if ent.RowKey > bestKey {
				best = ent
				bestKey = ent.RowKey
			}
		}
	}
	if bestKey == "" {
		return domain.State{}, 0, false, nil
	}
	st, err := decodeState(best.State)
	if err != nil {
		return nil, 0, false, err
	}
	return st, best.Version, true, nil
}

func (s *Store) upsertState(ctx context.Context, characterID, rowKey string, state domain.State, version int64) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ent := stateEntity{
		Entity: aztables.Entity{
			PartitionKey: characterID,
			RowKey:       rowKey,
		},
		State:   string(blob),
		Version: version,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.states.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// baseRowKey keeps snapshots lexically ordered by version so range filters
// over row keys find the latest base before a version.
func baseRowKey(campaignID string, version int64) string {
	return fmt.Sprintf("%s|%s|v%020d", basePrefix, campaignID, version)
}

func conflictFromEntity(ent conflictEntity) domain.SyncConflict {
	detectedAt, _ := time.Parse(time.RFC3339Nano, ent.DetectedAt)
	c := domain.SyncConflict{
		ID:                 ent.RowKey,
		CharacterID:        ent.PartitionKey,
		CampaignID:         ent.CampaignID,
		FieldPath:          ent.FieldPath,
		CharacterValue:     decodeValue(ent.CharacterValue),
		CampaignValue:      decodeValue(ent.CampaignValue),
		CharacterVersion:   ent.CharacterVersion,
		CampaignVersion:    ent.CampaignVersion,
		DetectedAt:         detectedAt,
		Resolved:           ent.Resolved,
		ResolutionStrategy: ent.ResolutionStrategy,
		ResolvedValue:      decodeValue(ent.ResolvedValue),
	}
	if ent.ResolvedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, ent.ResolvedAt); err == nil {
			c.ResolvedAt = &t
		}
	}
	return c
}

func subscriptionFromEntity(characterID, campaignID string, ent subscriptionEntity) domain.SyncSubscription {
	var fields []string
	_ = json.Unmarshal([]byte(ent.Fields), &fields)
	updatedAt, _ := time.Parse(time.RFC3339Nano, ent.UpdatedAt)
	return domain.SyncSubscription{
		CharacterID: characterID,
		CampaignID:  campaignID,
		Fields:      fields,
		Direction:   domain.SyncDirection(ent.Direction),
		UpdatedAt:   updatedAt,
	}
}

func decodeState(blob string) (domain.State, error) {
	if blob == "" {
		return domain.State{}, nil
	}
	var st domain.State
	if err := json.Unmarshal([]byte(blob), &st); err != nil {
		return nil, err
	}
	return st, nil
}

func encodeValue(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeValue(blob string) any {
	if blob == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(blob), &v); err != nil {
		return nil
	}
	return v
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func isConflict(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict
}

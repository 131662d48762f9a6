package domain

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	log "github.com/sirupsen/logrus"
)

// Store is the narrow slice of the durable system of record the resolver
// needs. The cache layer is deliberately not part of it: cached copies are
// hints, the store is truth.
type Store interface {
	GetSyncMetadata(ctx context.Context, characterID, campaignID string) (SyncMetadata, bool, error)
	UpsertSyncMetadata(ctx context.Context, meta SyncMetadata) error

	GetCurrentState(ctx context.Context, characterID string) (State, int64, error)
	UpsertCurrentState(ctx context.Context, characterID string, state State, version int64) error
	GetBaseState(ctx context.Context, characterID, campaignID string, campaignVersion int64) (State, bool, error)
	UpsertBaseState(ctx context.Context, characterID, campaignID string, campaignVersion int64, state State) error
	GetBaseStateBefore(ctx context.Context, characterID, campaignID string, campaignVersion int64) (State, int64, bool, error)

	InsertConflict(ctx context.Context, conflict SyncConflict) error
	ListConflicts(ctx context.Context, characterID string, resolved *bool) ([]SyncConflict, error)
	MarkConflictResolved(ctx context.Context, characterID, conflictID string, resolvedValue any, strategy string, at time.Time) error
}

// Resolver performs version-tracked three-way resolution between the local
// character state and incoming campaign state.
type Resolver struct {
	store  Store
	table  *StrategyTable
	logger *log.Logger
	now    func() time.Time
}

// NewResolver creates a Resolver. A nil table gets the default dispatch
// table; a nil logger gets the standard one.
func NewResolver(store Store, table *StrategyTable, logger *log.Logger) *Resolver {
	if store == nil {
		panic("domain.NewResolver: store is nil")
	}
	if table == nil {
		table = NewStrategyTable()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Resolver{store: store, table: table, logger: logger, now: time.Now}
}

// ResolveRemoteChanges merges a list of campaign-side field changes. The
// changes are laid over the last agreed base to reconstruct the remote
// document. Nil-valued entries are ignored: field deletions do not travel
// through the change-list form.
func (r *Resolver) ResolveRemoteChanges(ctx context.Context, characterID, campaignID string, changes []StateChange, remoteVersion int64) (State, []StateChange, error) {
	overlay := State{}
	for _, ch := range changes {
		SetValue(overlay, ch.FieldPath, ch.NewValue)
	}
	return r.ResolveRemoteState(ctx, characterID, campaignID, overlay, remoteVersion)
}

// ResolveRemoteState merges an incoming campaign state document into the
// character's local state. The document may be partial: it is laid over the
// last agreed base, so fields it omits are not treated as deletions.
//
// Resolution is idempotent: a remote version at or below the last applied
// campaign version is a no-op returning the current local state, so
// redelivered messages never duplicate conflict records. A strategy that
// cannot resolve a field records an unresolved SyncConflict and keeps the
// local value; it never fails the call.
func (r *Resolver) ResolveRemoteState(ctx context.Context, characterID, campaignID string, remote State, remoteVersion int64) (State, []StateChange, error) {
	meta, found, err := r.store.GetSyncMetadata(ctx, characterID, campaignID)
	if err != nil {
		return nil, nil, &SyncError{Op: "load metadata", Err: err}
	}
	if !found {
		meta = SyncMetadata{CharacterID: characterID, CampaignID: campaignID}
	}
	if remoteVersion <= meta.CampaignVersion {
		current, _, err := r.store.GetCurrentState(ctx, characterID)
		if err != nil {
			return nil, nil, &SyncError{Op: "load current state", Err: err}
		}
		return current, nil, nil
	}

	base, haveBase, err := r.store.GetBaseState(ctx, characterID, campaignID, meta.CampaignVersion)
	if err != nil {
		return nil, nil, &SyncError{Op: "load base state", Err: err}
	}
	if !haveBase {
		base = State{}
	}
	local, characterVersion, err := r.store.GetCurrentState(ctx, characterID)
	if err != nil {
		return nil, nil, &SyncError{Op: "load current state", Err: err}
	}

	localDiff := Diff(base, local)
	remoteDiff := Diff(base, Overlay(base, remote))

	resolved := Clone(local)
	now := r.now().UTC()
	var applied []StateChange

	for _, path := range sortedPaths(remoteDiff) {
		rc := remoteDiff[path]
		lc, changedBoth := localDiff[path]
		if !changedBoth {
			SetValue(resolved, path, rc.New)
			applied = append(applied, StateChange{
				CharacterID: characterID,
				CampaignID:  campaignID,
				FieldPath:   path,
				OldValue:    rc.Old,
				NewValue:    rc.New,
				Timestamp:   now,
				Source:      SourceCampaign,
			})
			continue
		}
		if reflect.DeepEqual(lc.New, rc.New) {
			// Both sides landed on the same value: nothing to resolve.
			continue
		}

		baseValue, _ := ValueAt(base, path)
		strategy := r.table.StrategyFor(path)
		value, resolution, resolveErr := strategy.Resolve(path, baseValue, lc.New, rc.New)

		conflict := SyncConflict{
			ID:               ConflictID(path, characterVersion, remoteVersion),
			CharacterID:      characterID,
			CampaignID:       campaignID,
			FieldPath:        path,
			CharacterValue:   lc.New,
			CampaignValue:    rc.New,
			CharacterVersion: characterVersion,
			CampaignVersion:  remoteVersion,
			DetectedAt:       now,
		}
		if resolveErr != nil {
			// Local wins until an operator or a later retry resolves it.
			r.logger.WithError(resolveErr).WithFields(log.Fields{
				"character": characterID,
				"campaign":  campaignID,
				"field":     path,
			}).Warn("conflict left unresolved")
			if err := r.recordConflict(ctx, conflict); err != nil {
				return nil, nil, err
			}
			continue
		}

		conflict.Resolved = true
		conflict.ResolutionStrategy = resolution.Strategy
		conflict.ResolvedValue = value
		conflict.ResolvedAt = &now
		if err := r.recordConflict(ctx, conflict); err != nil {
			return nil, nil, err
		}
		SetValue(resolved, path, value)
		applied = append(applied, StateChange{
			CharacterID: characterID,
			CampaignID:  campaignID,
			FieldPath:   path,
			OldValue:    lc.New,
			NewValue:    value,
			Timestamp:   now,
			Source:      SourceCampaign,
		})
	}

	if err := r.store.UpsertCurrentState(ctx, characterID, resolved, characterVersion); err != nil {
		return nil, nil, &SyncError{Op: "persist resolved state", Err: err}
	}
	if err := r.store.UpsertBaseState(ctx, characterID, campaignID, remoteVersion, resolved); err != nil {
		return nil, nil, &SyncError{Op: "persist base snapshot", Err: err}
	}
	meta.CharacterVersion = characterVersion
	meta.CampaignVersion = remoteVersion
	meta.LastSync = now
	if err := r.store.UpsertSyncMetadata(ctx, meta); err != nil {
		return nil, nil, &SyncError{Op: "persist metadata", Err: err}
	}
	return resolved, applied, nil
}

// recordConflict inserts a conflict record unless one already exists for
// the same (character, field path, character version, campaign version).
func (r *Resolver) recordConflict(ctx context.Context, conflict SyncConflict) error {
	err := r.store.InsertConflict(ctx, conflict)
	if err == nil || IsAlreadyExists(err) {
		return nil
	}
	return &SyncError{Op: "record conflict", Err: err}
}

// ResolvePending retries previously queued unresolved conflicts for a
// character, reconstructing the historical base from the snapshot that
// preceded each conflict's campaign version. It returns how many conflicts
// were resolved this pass; the rest stay queued.
func (r *Resolver) ResolvePending(ctx context.Context, characterID string) (int, error) {
	unresolved := false
	conflicts, err := r.store.ListConflicts(ctx, characterID, &unresolved)
	if err != nil {
		return 0, &SyncError{Op: "list conflicts", Err: err}
	}
	if len(conflicts) == 0 {
		return 0, nil
	}

	current, version, err := r.store.GetCurrentState(ctx, characterID)
	if err != nil {
		return 0, &SyncError{Op: "load current state", Err: err}
	}

	resolvedCount := 0
	now := r.now().UTC()
	for _, c := range conflicts {
		base, _, _, err := r.store.GetBaseStateBefore(ctx, c.CharacterID, c.CampaignID, c.CampaignVersion)
		if err != nil {
			return resolvedCount, &SyncError{Op: "load historical base", Err: err}
		}
		baseValue, _ := ValueAt(base, c.FieldPath)

		strategy := r.table.StrategyFor(c.FieldPath)
		value, resolution, resolveErr := strategy.Resolve(c.FieldPath, baseValue, c.CharacterValue, c.CampaignValue)
		if resolveErr != nil {
			r.logger.WithError(resolveErr).WithFields(log.Fields{
				"character": c.CharacterID,
				"field":     c.FieldPath,
			}).Debug("conflict still unresolvable")
			continue
		}
		if err := r.store.MarkConflictResolved(ctx, c.CharacterID, c.ID, value, resolution.Strategy, now); err != nil {
			return resolvedCount, &SyncError{Op: "mark conflict resolved", Err: err}
		}
		SetValue(current, c.FieldPath, value)
		resolvedCount++
	}

	if resolvedCount > 0 {
		if err := r.store.UpsertCurrentState(ctx, characterID, current, version); err != nil {
			return resolvedCount, &SyncError{Op: "persist resolved state", Err: err}
		}
	}
	return resolvedCount, nil
}

// ApplyLocalChanges applies character-side field deltas to the current
// state, bumps the character version for the pair, and returns the new
// version.
func (r *Resolver) ApplyLocalChanges(ctx context.Context, characterID, campaignID string, changes []StateChange) (int64, error) {
	if len(changes) == 0 {
		return 0, nil
	}
	current, version, err := r.store.GetCurrentState(ctx, characterID)
	if err != nil {
		return 0, &SyncError{Op: "load current state", Err: err}
	}
	for _, ch := range changes {
		SetValue(current, ch.FieldPath, ch.NewValue)
	}
	version++
	if err := r.store.UpsertCurrentState(ctx, characterID, current, version); err != nil {
		return 0, &SyncError{Op: "persist state", Err: err}
	}

	meta, found, err := r.store.GetSyncMetadata(ctx, characterID, campaignID)
	if err != nil {
		return 0, &SyncError{Op: "load metadata", Err: err}
	}
	if !found {
		meta = SyncMetadata{CharacterID: characterID, CampaignID: campaignID}
	}
	meta.CharacterVersion = version
	meta.LastSync = r.now().UTC()
	if err := r.store.UpsertSyncMetadata(ctx, meta); err != nil {
		return 0, &SyncError{Op: "persist metadata", Err: err}
	}
	return version, nil
}

// ConflictID builds the deterministic identity for a conflict record; the
// at-most-once guarantee per (field path, character version, campaign
// version) falls out of using it as the storage row key.
func ConflictID(fieldPath string, characterVersion, campaignVersion int64) string {
	return fmt.Sprintf("%s|%d|%d", fieldPath, characterVersion, campaignVersion)
}

// IsAlreadyExists reports whether err is the store's duplicate-insert
// signal.
func IsAlreadyExists(err error) bool {
	var dup *AlreadyExistsError
	return errors.As(err, &dup)
}

// AlreadyExistsError is returned by Store.InsertConflict when a record with
// the same identity is already persisted.
type AlreadyExistsError struct {
	ID string
}

func (e *AlreadyExistsError) Error() string { return fmt.Sprintf("record %q already exists", e.ID) }

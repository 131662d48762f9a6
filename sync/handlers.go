package sync

import (
	"context"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"charsync/domain"
)

// Resolver is the slice of the conflict resolver the handlers need.
type Resolver interface {
	ResolveRemoteState(ctx context.Context, characterID, campaignID string, remote domain.State, remoteVersion int64) (domain.State, []domain.StateChange, error)
	ApplyLocalChanges(ctx context.Context, characterID, campaignID string, changes []domain.StateChange) (int64, error)
}

// ControlStore is the durable metadata/subscription surface the handlers
// read and write.
type ControlStore interface {
	GetSyncMetadata(ctx context.Context, characterID, campaignID string) (domain.SyncMetadata, bool, error)
	GetSubscription(ctx context.Context, characterID, campaignID string) (domain.SyncSubscription, bool, error)
	ListSubscriptions(ctx context.Context, characterID string) ([]domain.SyncSubscription, error)
	UpsertSubscription(ctx context.Context, sub domain.SyncSubscription) error
	DeleteSubscription(ctx context.Context, characterID, campaignID string) error
}

// StateCacher refreshes cached copies after resolution and provides the
// per-character advisory lock. May be nil.
type StateCacher interface {
	SetState(ctx context.Context, characterID string, st domain.State) error
	SetMetadata(ctx context.Context, meta domain.SyncMetadata) error
	ClearCharacterCache(ctx context.Context, characterID string) error
	AcquireSyncLock(ctx context.Context, characterID string, ttl, retryDelay time.Duration, maxRetries int) (bool, error)
	ReleaseSyncLock(ctx context.Context, characterID string) error
}

const (
	syncLockTTL        = 30 * time.Second
	syncLockRetryDelay = 50 * time.Millisecond
	syncLockRetries    = 5
)

// lockCharacter takes the advisory sync lock when a cache is wired. The
// lock is advisory: resolution proceeds without it when redis is down or
// the lock stays contended past the retry window.
func (h *Handler) lockCharacter(ctx context.Context, characterID string) func() {
	if h.cache == nil {
		return func() {}
	}
	ok, err := h.cache.AcquireSyncLock(ctx, characterID, syncLockTTL, syncLockRetryDelay, syncLockRetries)
	if err != nil {
		h.logger.WithError(err).WithField("character", characterID).Warn("sync lock unavailable")
		return func() {}
	}
	if !ok {
		h.logger.WithField("character", characterID).Warn("sync lock contended, proceeding unlocked")
		return func() {}
	}
	return func() {
		if err := h.cache.ReleaseSyncLock(context.WithoutCancel(ctx), characterID); err != nil {
			h.logger.WithError(err).WithField("character", characterID).Warn("sync lock release failed")
		}
	}
}

// Handler implements the four protocol endpoints. Each method is
// idempotent and safe to retry; validation failures surface as
// *domain.MessageError so the consumer can convert them into correlated
// error messages instead of crashing the loop.
type Handler struct {
	resolver  Resolver
	store     ControlStore
	cache     StateCacher
	publisher *Publisher
	logger    *log.Logger
	now       func() time.Time
}

// NewHandler wires a Handler. cache and publisher may be nil (resolution
// still works, cache refresh and outbound events are skipped).
func NewHandler(resolver Resolver, store ControlStore, cache StateCacher, publisher *Publisher, logger *log.Logger) *Handler {
	if resolver == nil {
		panic("sync.NewHandler: resolver is nil")
	}
	if store == nil {
		panic("sync.NewHandler: store is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Handler{
		resolver:  resolver,
		store:     store,
		cache:     cache,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// HandleCampaignStateUpdate applies a campaign→character push through the
// conflict resolver and answers with a correlated ack.
func (h *Handler) HandleCampaignStateUpdate(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if msg.CharacterID == "" {
		return domain.Message{}, &domain.MessageError{MessageID: msg.ID, Reason: "characterId is required"}
	}
	if msg.CampaignID == "" {
		return domain.Message{}, &domain.MessageError{MessageID: msg.ID, Reason: "campaignId is required"}
	}
	if len(msg.StateData) == 0 {
		return domain.Message{}, &domain.MessageError{MessageID: msg.ID, Reason: "stateData is required"}
	}
	var remote domain.State
	if err := sonic.Unmarshal(msg.StateData, &remote); err != nil {
		return domain.Message{}, &domain.MessageError{MessageID: msg.ID, Reason: "stateData is not a state document"}
	}

	sub, found, err := h.store.GetSubscription(ctx, msg.CharacterID, msg.CampaignID)
	if err != nil {
		return domain.Message{}, &domain.SyncError{Op: "load subscription", Err: err}
	}
	if !found || sub.Direction == domain.DirectionPush {
		// Unsubscribed pairs (and push-only ones) accept the update
		// without applying it, so redelivery after unsubscribe stays
		// harmless.
		ack := msg.Reply(domain.MessageCampaignStateAck)
		ack.Version = msg.Version
		ack.Metadata["status"] = "no-active-subscription"
		ack.Metadata["appliedFields"] = "0"
		return ack, nil
	}

	unlock := h.lockCharacter(ctx, msg.CharacterID)
	defer unlock()

	resolved, applied, err := h.resolver.ResolveRemoteState(ctx, msg.CharacterID, msg.CampaignID, remote, msg.Version)
	if err != nil {
		return domain.Message{}, err
	}

	if h.cache != nil {
		if err := h.cache.SetState(ctx, msg.CharacterID, resolved); err != nil {
			// Cache refresh is best effort; the store already holds truth.
			h.logger.WithError(err).WithField("character", msg.CharacterID).Warn("state cache refresh failed")
		}
	}

	ack := msg.Reply(domain.MessageCampaignStateAck)
	ack.Version = msg.Version
	ack.Metadata["appliedFields"] = strconv.Itoa(len(applied))
	return ack, nil
}

// HandleCharacterStateChange forwards local field deltas into the
// pipeline. When the message names no campaign, subscriptions decide which
// campaigns receive the push.
func (h *Handler) HandleCharacterStateChange(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if msg.CharacterID == "" {
		return domain.Message{}, &domain.MessageError{MessageID: msg.ID, Reason: "characterId is required"}
	}
	var set domain.ChangeSet
	if err := sonic.Unmarshal(msg.StateData, &set); err != nil || len(set.Changes) == 0 {
		return domain.Message{}, &domain.MessageError{MessageID: msg.ID, Reason: "stateData must carry a non-empty change set"}
	}

	subs, err := h.targetSubscriptions(ctx, msg)
	if err != nil {
		return domain.Message{}, err
	}
	if len(subs) == 0 {
		// No active subscription: accept as an idempotent no-op.
		status := msg.Reply(domain.MessageSyncStatus)
		status.Metadata["status"] = "no-active-subscription"
		return status, nil
	}

	unlock := h.lockCharacter(ctx, msg.CharacterID)
	defer unlock()

	now := h.now().UTC()
	for _, sub := range subs {
		if sub.Direction == domain.DirectionPull {
			continue
		}
		changes := make([]domain.StateChange, 0, len(set.Changes))
		for _, d := range set.Changes {
			if !sub.Covers(d.FieldPath) {
				continue
			}
			changes = append(changes, domain.StateChange{
				CharacterID: msg.CharacterID,
				CampaignID:  sub.CampaignID,
				FieldPath:   d.FieldPath,
				OldValue:    d.OldValue,
				NewValue:    d.NewValue,
				Timestamp:   now,
				Source:      domain.SourceCharacter,
				SyncMode:    domain.SyncModeRealtime,
			})
		}
		if len(changes) == 0 {
			continue
		}
		version, err := h.resolver.ApplyLocalChanges(ctx, msg.CharacterID, sub.CampaignID, changes)
		if err != nil {
			return domain.Message{}, err
		}
		if err := h.publishChanges(sub.CampaignID, version, changes); err != nil {
			return domain.Message{}, err
		}
	}

	status := msg.Reply(domain.MessageSyncStatus)
	status.Metadata["status"] = "forwarded"
	return status, nil
}

// targetSubscriptions picks the subscriptions a character push applies to.
func (h *Handler) targetSubscriptions(ctx context.Context, msg domain.Message) ([]domain.SyncSubscription, error) {
	if msg.CampaignID != "" {
		sub, found, err := h.store.GetSubscription(ctx, msg.CharacterID, msg.CampaignID)
		if err != nil {
			return nil, &domain.SyncError{Op: "load subscription", Err: err}
		}
		if !found {
			return nil, nil
		}
		return []domain.SyncSubscription{sub}, nil
	}
	subs, err := h.store.ListSubscriptions(ctx, msg.CharacterID)
	if err != nil {
		return nil, &domain.SyncError{Op: "list subscriptions", Err: err}
	}
	return subs, nil
}

// publishChanges hands local deltas to the publication manager, routing
// progress fields onto the progress-event topic.
func (h *Handler) publishChanges(campaignID string, version int64, changes []domain.StateChange) error {
	if h.publisher == nil {
		return nil
	}
	byType := map[domain.MessageType][]domain.StateChange{}
	for _, ch := range changes {
		t := domain.MessageCharacterState
		if isProgressPath(ch.FieldPath) {
			t = domain.MessageProgressEvent
		}
		byType[t] = append(byType[t], ch)
	}
	for t, group := range byType {
		out := domain.NewMessage(t)
		out.CharacterID = group[0].CharacterID
		out.CampaignID = campaignID
		out.Version = version
		withState, err := out.WithState(domain.ChangeSet{Changes: deltasOf(group)})
		if err != nil {
			return &domain.SyncError{Op: "encode outbound event", Err: err}
		}
		if err := h.publisher.Enqueue(withState); err != nil {
			return err
		}
	}
	return nil
}

// HandleSyncControl services subscribe/unsubscribe commands. Every command
// yields a status message; an unknown command is a protocol error, not a
// crash.
func (h *Handler) HandleSyncControl(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if msg.CharacterID == "" || msg.CampaignID == "" {
		return domain.Message{}, &domain.MessageError{MessageID: msg.ID, Reason: "characterId and campaignId are required"}
	}
	switch msg.Command {
	case "subscribe":
		direction := msg.Direction
		if direction == "" {
			direction = domain.DirectionBidirectional
		}
		if !domain.ValidDirection(direction) {
			return domain.Message{}, &domain.MessageError{MessageID: msg.ID, Reason: "unknown sync direction " + string(direction)}
		}
		sub := domain.SyncSubscription{
			CharacterID: msg.CharacterID,
			CampaignID:  msg.CampaignID,
			Fields:      msg.Fields,
			Direction:   direction,
			UpdatedAt:   h.now().UTC(),
		}
		if err := h.store.UpsertSubscription(ctx, sub); err != nil {
			return domain.Message{}, &domain.SyncError{Op: "persist subscription", Err: err}
		}
		status := msg.Reply(domain.MessageSyncStatus)
		status.Metadata["status"] = "subscribed"
		status.Fields = msg.Fields
		status.Direction = direction
		return status, nil

	case "unsubscribe":
		if err := h.store.DeleteSubscription(ctx, msg.CharacterID, msg.CampaignID); err != nil {
			return domain.Message{}, &domain.SyncError{Op: "delete subscription", Err: err}
		}
		if h.cache != nil {
			// Cached state and metadata for the pair are stale once the
			// subscription is gone.
			if err := h.cache.ClearCharacterCache(ctx, msg.CharacterID); err != nil {
				h.logger.WithError(err).WithField("character", msg.CharacterID).Warn("cache clear failed")
			}
		}
		status := msg.Reply(domain.MessageSyncStatus)
		status.Metadata["status"] = "unsubscribed"
		return status, nil

	default:
		return domain.Message{}, &domain.MessageError{MessageID: msg.ID, Reason: "unknown sync command " + msg.Command}
	}
}

// HandleVersionQuery answers with the pair's version counters, or zero
// defaults if the pair has never synced. Read-only; used for
// reconciliation after reconnect.
func (h *Handler) HandleVersionQuery(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if msg.CharacterID == "" || msg.CampaignID == "" {
		return domain.Message{}, &domain.MessageError{MessageID: msg.ID, Reason: "characterId and campaignId are required"}
	}
	meta, found, err := h.store.GetSyncMetadata(ctx, msg.CharacterID, msg.CampaignID)
	if err != nil {
		return domain.Message{}, &domain.SyncError{Op: "load metadata", Err: err}
	}
	info := domain.VersionInfo{}
	if found {
		info = domain.VersionInfo{
			CharacterVersion: meta.CharacterVersion,
			CampaignVersion:  meta.CampaignVersion,
			LastSync:         meta.LastSync,
		}
		if h.cache != nil {
			if err := h.cache.SetMetadata(ctx, meta); err != nil {
				h.logger.WithError(err).Warn("metadata cache refresh failed")
			}
		}
	}
	reply := msg.Reply(domain.MessageVersionInfo)
	reply.Version = info.CampaignVersion
	return reply.WithState(info)
}

func isProgressPath(path string) bool {
	for _, p := range []string{"experience_points", "level", "proficiency_bonus", "progress"} {
		if domain.MatchPath(p, path) {
			return true
		}
	}
	return false
}

func deltasOf(changes []domain.StateChange) []domain.FieldDelta {
	out := make([]domain.FieldDelta, len(changes))
	for i, ch := range changes {
		out[i] = domain.FieldDelta{FieldPath: ch.FieldPath, OldValue: ch.OldValue, NewValue: ch.NewValue}
	}
	return out
}

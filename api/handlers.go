package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"charsync/domain"
)

// Storage is the read surface the admin endpoints need.
type Storage interface {
	GetSyncMetadata(ctx context.Context, characterID, campaignID string) (domain.SyncMetadata, bool, error)
	ListConflicts(ctx context.Context, characterID string, resolved *bool) ([]domain.SyncConflict, error)
	ListSubscriptions(ctx context.Context, characterID string) ([]domain.SyncSubscription, error)
}

// Resolver retries conflict resolution for a character's pending conflicts.
type Resolver interface {
	ResolvePending(ctx context.Context, characterID string) (int, error)
}

// PublisherStats exposes publication counters for the health endpoint.
type PublisherStats interface {
	Stats() (published, failed uint64, depth int)
}

// Register wires up all admin routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, resolver Resolver, pub PublisherStats, logger *log.Logger) {
	e.GET("/healthz", healthz(pub))
	e.GET("/api/characters/:id/conflicts", getConflicts(store, logger))
	e.GET("/api/characters/:id/subscriptions", getSubscriptions(store, logger))
	e.GET("/api/characters/:id/campaigns/:campaignID/status", getSyncStatus(store, logger))
	e.POST("/api/characters/:id/resolve", postResolve(resolver, logger))
}

type healthResponse struct {
	Status    string `json:"status"`
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Depth     int    `json:"depth"`
}

func healthz(pub PublisherStats) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := healthResponse{Status: "ok"}
		if pub != nil {
			resp.Published, resp.Failed, resp.Depth = pub.Stats()
		}
		return c.JSON(http.StatusOK, resp)
	}
}

type conflictsResponse struct {
	Conflicts []domain.SyncConflict `json:"conflicts"`
}

func getConflicts(store Storage, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		characterID := c.Param("id")
		if characterID == "" {
			return c.String(http.StatusBadRequest, "missing character id")
		}
		var resolved *bool
		if raw := c.QueryParam("resolved"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return c.String(http.StatusBadRequest, "invalid resolved filter")
			}
			resolved = &v
		}
		conflicts, err := store.ListConflicts(ctx, characterID, resolved)
		if err != nil {
			logger.WithError(err).WithField("character", characterID).Error("list conflicts failed")
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, conflictsResponse{Conflicts: conflicts})
	}
}

type subscriptionsResponse struct {
	Subscriptions []domain.SyncSubscription `json:"subscriptions"`
}

func getSubscriptions(store Storage, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		characterID := c.Param("id")
		if characterID == "" {
			return c.String(http.StatusBadRequest, "missing character id")
		}
		subs, err := store.ListSubscriptions(ctx, characterID)
		if err != nil {
			logger.WithError(err).WithField("character", characterID).Error("list subscriptions failed")
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, subscriptionsResponse{Subscriptions: subs})
	}
}

type syncStatusResponse struct {
	CharacterID      string    `json:"characterId"`
	CampaignID       string    `json:"campaignId"`
	CharacterVersion int64     `json:"characterVersion"`
	CampaignVersion  int64     `json:"campaignVersion"`
	LastSync         time.Time `json:"lastSync"`
	Known            bool      `json:"known"`
}

func getSyncStatus(store Storage, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		characterID := c.Param("id")
		campaignID := c.Param("campaignID")
		if characterID == "" || campaignID == "" {
			return c.String(http.StatusBadRequest, "missing character or campaign id")
		}
		meta, found, err := store.GetSyncMetadata(ctx, characterID, campaignID)
		if err != nil {
			logger.WithError(err).WithFields(log.Fields{
				"character": characterID,
				"campaign":  campaignID,
			}).Error("fetch sync metadata failed")
			return c.String(http.StatusInternalServerError, err.Error())
		}
		resp := syncStatusResponse{
			CharacterID: characterID,
			CampaignID:  campaignID,
			Known:       found,
		}
		if found {
			resp.CharacterVersion = meta.CharacterVersion
			resp.CampaignVersion = meta.CampaignVersion
			resp.LastSync = meta.LastSync
		}
		return c.JSON(http.StatusOK, resp)
	}
}

type resolveResponse struct {
	Resolved int `json:"resolved"`
}

func postResolve(resolver Resolver, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		characterID := c.Param("id")
		if characterID == "" {
			return c.String(http.StatusBadRequest, "missing character id")
		}
		n, err := resolver.ResolvePending(ctx, characterID)
		if err != nil {
			logger.WithError(err).WithField("character", characterID).Error("resolve pending failed")
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, resolveResponse{Resolved: n})
	}
}

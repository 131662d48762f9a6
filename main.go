package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"charsync/api"
	"charsync/domain"
	"charsync/storage"
	"charsync/sync"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing storage config")
	}
	tables := storage.Tables{
		Metadata:      envString("SYNC_METADATA_TABLE", "syncmetadata"),
		Conflicts:     envString("SYNC_CONFLICTS_TABLE", "syncconflicts"),
		Subscriptions: envString("SYNC_SUBSCRIPTIONS_TABLE", "syncsubscriptions"),
		States:        envString("CHARACTER_STATES_TABLE", "characterstates"),
	}
	store, err := storage.New(connStr, tables)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(redisOptions(redisConn))
	cache := storage.NewStateCache(rc, storage.CacheOptions{
		StateTTL:  envDur("STATE_CACHE_TTL", storage.DefaultStateTTL),
		SharedTTL: envDur("SHARED_CACHE_TTL", storage.DefaultSharedTTL),
	})

	resolver := domain.NewResolver(store, domain.NewStrategyTable(), logger)

	inbound, outbound := buildQueues(connStr)

	router := sync.NewRouter(outbound)
	pubCfg := sync.DefaultPublisherConfig()
	pubCfg.BatchSize = envInt("PUBLISH_BATCH_SIZE", pubCfg.BatchSize)
	pubCfg.BatchTimeout = envDur("PUBLISH_BATCH_TIMEOUT", pubCfg.BatchTimeout)
	pubCfg.RetryMaxAttempts = envInt("PUBLISH_MAX_ATTEMPTS", pubCfg.RetryMaxAttempts)
	publisher := sync.NewPublisher(pubCfg, router, logger)
	publisher.Start()

	handler := sync.NewHandler(resolver, store, cache, publisher, logger)
	consumer := sync.NewConsumer(handler, inbound, router, sync.DefaultRetryPolicy(), sync.ConsumerConfig{
		PollInterval: envDur("POLL_INTERVAL", time.Second),
		Visibility:   envDur("MESSAGE_VISIBILITY", 30*time.Second),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go consumer.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	api.Register(e, store, resolver, publisher, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}
	go func() {
		if err := e.Start(listenAddr); err != nil {
			logger.WithError(err).Info("http server stopped")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("http shutdown failed")
	}
	publisher.Stop()
}

// buildQueues opens the four consumed queues and the outbound queues the
// router needs, mapping reply types onto the producing side's queues.
func buildQueues(connStr string) (map[domain.MessageType]sync.Queue, map[domain.MessageType]sync.Queue) {
	open := func(envName, def string) sync.Queue {
		q, err := storage.NewQueue(connStr, envString(envName, def))
		if err != nil {
			log.Fatalf("queue %s: %v", def, err)
		}
		return q
	}

	inbound := map[domain.MessageType]sync.Queue{
		domain.MessageCampaignStateUpdate:  open("CAMPAIGN_UPDATES_QUEUE", "campaign-updates"),
		domain.MessageCharacterStateChange: open("CHARACTER_CHANGES_QUEUE", "character-changes"),
		domain.MessageSyncControl:          open("SYNC_CONTROL_QUEUE", "sync-control"),
		domain.MessageVersionQuery:         open("VERSION_QUERIES_QUEUE", "version-queries"),
	}

	campaignEvents := open("CAMPAIGN_EVENTS_QUEUE", "campaign-events")
	syncStatus := open("SYNC_STATUS_QUEUE", "sync-status")
	outbound := map[domain.MessageType]sync.Queue{
		domain.MessageCampaignEvent:  campaignEvents,
		domain.MessageCharacterState: campaignEvents,
		domain.MessageProgressEvent:  campaignEvents,
		domain.MessageCampaignStateAck:   syncStatus,
		domain.MessageCampaignStateError: syncStatus,
		domain.MessageSyncStatus:         syncStatus,
		domain.MessageSyncError:          syncStatus,
		domain.MessageVersionInfo:        syncStatus,
	}
	return inbound, outbound
}

func redisOptions(redisConn string) *redis.Options {
	opts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		opts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				opts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					opts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	return opts
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Fatalf("invalid %s: %s", name, v)
		}
		return n
	}
	return def
}

func envDur(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid %s: %s", name, v)
		}
		return d
	}
	return def
}

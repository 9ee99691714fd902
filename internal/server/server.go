package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/rottym/fambam/internal/backup"
	"github.com/rottym/fambam/internal/calendar"
	"github.com/rottym/fambam/internal/changefeed"
	"github.com/rottym/fambam/internal/chore"
	"github.com/rottym/fambam/internal/config"
	"github.com/rottym/fambam/internal/handler"
	"github.com/rottym/fambam/internal/livequery"
	"github.com/rottym/fambam/internal/middleware"
	"github.com/rottym/fambam/internal/push"
	"github.com/rottym/fambam/internal/store"
	ws "github.com/rottym/fambam/internal/websocket"
)

const (
	bootstrapLimit  = 10
	actorLimit      = 300
	limitWindow     = time.Minute
	cleanupInterval = 5 * time.Minute
)

type Server struct {
	db             *sql.DB
	feed           *changefeed.Feed
	hub            *ws.Hub
	manager        *livequery.Manager
	collections    *store.Collections
	familyMemberH  *handler.FamilyMemberHandler
	calendarEventH *handler.CalendarEventHandler
	choreH         *handler.ChoreHandler
	rewardH        *handler.RewardHandler
	pushH          *handler.PushHandler
	folderH        *handler.FolderHandler
	collectionH    *handler.CollectionHandler
	memberStore    *store.MemberStore
	rateLimiter    *middleware.RateLimiter
	dispatcher     *push.Dispatcher
	sweeper        *calendar.Sweeper
	reconciler     *calendar.Reconciler
	backups        *backup.Manager
	logger         *slog.Logger

	cancel context.CancelFunc
}

func New(db *sql.DB, cfg config.Config, logger *slog.Logger) *Server {
	feed := changefeed.New(logger.With("component", "changefeed"))
	changes := store.NewChangeLog(db, feed)

	familyStore := store.NewFamilyStore(db)
	memberStore := store.NewMemberStore(db, changes)
	taskStore := store.NewTaskStore(db, changes)
	eventStore := store.NewEventStore(db, changes)
	pushStore := store.NewPushStore(db, changes)
	ledgerStore := store.NewLedgerStore(db)
	collections := store.NewCollections(db, changes)

	manager := livequery.NewManager(collections, feed, logger.With("component", "livequery"))
	hub := ws.NewHub(logger.With("component", "websocket"))

	var sender push.Sender = push.LogSender{Logger: logger.With("component", "push")}
	publicKey := ""
	if cfg.PushEnabled() {
		wp := push.NewWebPushSender(cfg.Push.VAPIDPublicKey, cfg.Push.VAPIDPrivateKey, cfg.Push.Subscriber)
		sender = wp
		publicKey = wp.VAPIDPublicKey()
	}
	dispatcher := push.NewDispatcher(changes, memberStore, pushStore, feed, sender, logger,
		push.WithInterval(cfg.Push.PollInterval),
		push.WithWorkers(cfg.Push.Workers),
	)
	sweeper := calendar.NewSweeper(eventStore, memberStore, dispatcher,
		cfg.Calendar.SweepInterval, cfg.Calendar.ReminderLead, logger)

	var reconciler *calendar.Reconciler
	if cfg.CalendarEnabled() {
		provider, err := calendar.NewGoogleProvider(context.Background(),
			cfg.Calendar.GoogleClientID, cfg.Calendar.GoogleClientSecret, cfg.Calendar.GoogleRefreshToken)
		if err != nil {
			logger.Error("calendar sync disabled", "error", err)
		} else {
			reconciler = calendar.NewReconciler(eventStore, familyStore, provider, logger)
		}
	}

	if cfg.BackupEnabled() {
		logger.Info("backups configured", "bucket", cfg.Backup.Bucket, "interval", cfg.Backup.Interval, "retention", cfg.Backup.Retention)
	}
	backups := backup.NewManager(BackupConfig(cfg), db, store.NewBackupStore(db), logger)

	choreSvc := chore.NewService(taskStore, ledgerStore, memberStore, cfg.Chores.ApproveRetries, logger)

	return &Server{
		db:             db,
		feed:           feed,
		hub:            hub,
		manager:        manager,
		collections:    collections,
		familyMemberH:  handler.NewFamilyMemberHandler(familyStore, memberStore, logger.With("component", "family_member")),
		calendarEventH: handler.NewCalendarEventHandler(eventStore, memberStore, reconciler, logger.With("component", "calendar_handler")),
		choreH:         handler.NewChoreHandler(taskStore, memberStore, choreSvc, logger.With("component", "chore_handler")),
		rewardH:        handler.NewRewardHandler(choreSvc, memberStore, logger.With("component", "reward")),
		pushH:          handler.NewPushHandler(pushStore, memberStore, dispatcher, publicKey, logger.With("component", "push_handler")),
		folderH:        handler.NewFolderHandler(collections, logger.With("component", "folder")),
		collectionH:    handler.NewCollectionHandler(manager, logger.With("component", "collection")),
		memberStore:    memberStore,
		rateLimiter:    middleware.NewRateLimiter(),
		dispatcher:     dispatcher,
		sweeper:        sweeper,
		reconciler:     reconciler,
		backups:        backups,
		logger:         logger,
	}
}

// BackupConfig maps the service configuration onto the backup manager's.
func BackupConfig(cfg config.Config) backup.Config {
	b := cfg.Backup
	return backup.Config{
		Endpoint:   b.Endpoint,
		Bucket:     b.Bucket,
		Region:     b.Region,
		AccessKey:  b.AccessKey,
		SecretKey:  b.SecretKey,
		Prefix:     b.Prefix,
		Passphrase: b.Passphrase,
		Interval:   b.Interval,
		Retention:  b.Retention,
	}
}

// Start launches the background workers: the notification dispatcher, the
// reminder sweep, scheduled backups and rate limiter cleanup.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.dispatcher.Start(ctx); err != nil {
		cancel()
		return err
	}
	s.sweeper.Start(ctx)
	s.backups.Start(ctx)
	go s.rateLimiter.RunCleanup(ctx, cleanupInterval)

	s.logger.Info("background workers started", "calendar_sync", s.reconciler != nil, "backups", s.backups.Enabled())
	return nil
}

// Shutdown tells connected clients the server is going away, closes their
// connections and stops the background workers.
func (s *Server) Shutdown() {
	s.hub.Broadcast(ws.Message{Type: ws.TypeShutdown})
	s.hub.CloseAll("server shutting down")
	if s.cancel != nil {
		s.cancel()
	}
	s.dispatcher.Stop()
	s.sweeper.Stop()
	s.backups.Stop()
	s.feed.Close()
}

// Sweep runs one reminder sweep outside the background loop and returns how
// many events were reminded.
func (s *Server) Sweep(ctx context.Context) (int, error) {
	return s.sweeper.RunOnce(ctx)
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("POST /api/families",
		middleware.RateLimit(s.rateLimiter, middleware.RealIP, bootstrapLimit, limitWindow)(http.HandlerFunc(s.familyMemberH.CreateFamily)))

	// Routes acting as a member, resolved from the identity headers
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	limited := middleware.RateLimit(s.rateLimiter, middleware.ByActor, actorLimit, limitWindow)(protectedMux)
	outerMux.Handle("/", middleware.Identity(s.memberStore)(limited))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"clients":       s.hub.ClientCount(),
		"subscriptions": s.hub.SubscriptionCount(),
		"listeners":     s.feed.ListenerCount(),
		"backup":        s.backups.Status(),
	})
}

func parentOnly(h http.HandlerFunc) http.Handler {
	return middleware.RequireParent(h)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	// Families and members
	mux.HandleFunc("GET /api/families/{id}", s.familyMemberH.GetFamily)
	mux.Handle("PUT /api/families/{id}/calendar", parentOnly(s.familyMemberH.SetCalendar))
	mux.Handle("POST /api/families/{id}/members", parentOnly(s.familyMemberH.CreateMember))
	mux.HandleFunc("GET /api/families/{id}/members", s.familyMemberH.ListMembers)
	mux.HandleFunc("PUT /api/members/{id}", s.familyMemberH.RenameMember)
	mux.HandleFunc("DELETE /api/members/{id}", s.familyMemberH.DeleteMember)
	mux.HandleFunc("PUT /api/members/{id}/notifications", s.familyMemberH.SetNotifications)

	// PIN routes
	mux.HandleFunc("POST /api/members/{id}/pin", s.familyMemberH.SetPIN)
	mux.HandleFunc("DELETE /api/members/{id}/pin", s.familyMemberH.ClearPIN)

	// Push notification routes
	mux.HandleFunc("GET /api/push/vapid-key", s.pushH.GetVAPIDKey)
	mux.HandleFunc("PUT /api/members/{id}/push-token", s.pushH.SetToken)
	mux.HandleFunc("DELETE /api/members/{id}/push-token", s.pushH.ClearToken)
	mux.HandleFunc("GET /api/members/{id}/preferences", s.pushH.GetPreferences)
	mux.HandleFunc("PUT /api/members/{id}/preferences", s.pushH.UpdatePreferences)
	mux.HandleFunc("POST /api/members/{id}/push-test", s.pushH.TestNotification)

	// Points
	mux.HandleFunc("GET /api/members/{id}/points", s.rewardH.Points)
	mux.HandleFunc("GET /api/members/{id}/ledger", s.rewardH.Ledger)
	mux.HandleFunc("GET /api/families/{id}/leaderboard", s.rewardH.Leaderboard)

	// Tasks
	mux.HandleFunc("POST /api/families/{id}/tasks", s.choreH.Create)
	mux.HandleFunc("PUT /api/tasks/{id}", s.choreH.Update)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.choreH.Delete)
	mux.HandleFunc("POST /api/tasks/{id}/submit", s.choreH.Submit)
	mux.Handle("POST /api/tasks/{id}/approve", parentOnly(s.choreH.Approve))
	mux.Handle("POST /api/tasks/{id}/reject", parentOnly(s.choreH.Reject))
	mux.HandleFunc("POST /api/tasks/{id}/reopen", s.choreH.Reopen)
	mux.HandleFunc("POST /api/tasks/{id}/complete", s.choreH.Complete)

	// Calendar events
	mux.HandleFunc("POST /api/families/{id}/events", s.calendarEventH.Create)
	mux.HandleFunc("PUT /api/events/{id}", s.calendarEventH.Update)
	mux.HandleFunc("DELETE /api/events/{id}", s.calendarEventH.Delete)
	mux.HandleFunc("POST /api/events/{id}/sync", s.calendarEventH.Sync)

	// Folders
	mux.HandleFunc("POST /api/families/{id}/folders", s.folderH.Create)
	mux.HandleFunc("PUT /api/folders/{id}", s.folderH.Rename)
	mux.HandleFunc("DELETE /api/folders/{id}", s.folderH.Delete)

	// Collections
	mux.HandleFunc("GET /api/families/{id}/collections/{collection}", s.collectionH.Page)

	// WebSocket
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.manager, s.collections, s.logger.With("component", "websocket")))
}

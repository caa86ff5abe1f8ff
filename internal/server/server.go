package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omarkhd21/go-caravan/internal/broadcast"
	"github.com/omarkhd21/go-caravan/internal/chat"
	"github.com/omarkhd21/go-caravan/internal/collab"
	"github.com/omarkhd21/go-caravan/internal/geofence"
	"github.com/omarkhd21/go-caravan/internal/metrics"
	"github.com/omarkhd21/go-caravan/internal/presence"
	"github.com/omarkhd21/go-caravan/internal/protocol"
	"github.com/omarkhd21/go-caravan/internal/registry"
	"github.com/omarkhd21/go-caravan/internal/router"
	"github.com/omarkhd21/go-caravan/internal/server/middleware"
	"github.com/omarkhd21/go-caravan/internal/trip"
	"github.com/omarkhd21/go-caravan/pkg/config"
	"github.com/omarkhd21/go-caravan/pkg/transport"
)

// App wires the coordination engine together: one goroutine per connection
// reading inbound events, per-(room,user) presence timers, and the shared
// registry and broadcast router. All of it is explicitly constructed here
// and passed down; nothing is ambient global state.
type App struct {
	logger      *slog.Logger
	reg         *registry.Registry
	eventRouter *router.Router
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	reg := registry.New(logger)
	bcast := broadcast.NewRouter(reg, logger)
	trips := trip.NewSynchronizer(logger)
	chatStore := chat.NewStore(cfg.Chat.BufferSize)
	geo := geofence.NewEvaluator(geofence.Config{
		CheckpointRadius:  cfg.Geofence.CheckpointRadius,
		DestinationRadius: cfg.Geofence.DestinationRadius,
	})
	collabClient := collab.NewClient(collab.Config{
		BaseURL:        cfg.Collab.BaseURL,
		RequestTimeout: cfg.Collab.RequestTimeout,
	}, logger)

	monitor := presence.NewMonitor(presence.Config{
		EvalInterval:     cfg.Presence.EvalInterval,
		OfflineThreshold: cfg.Presence.OfflineThreshold,
		IdleThreshold:    cfg.Presence.IdleThreshold,
	}, alertEmitter(bcast), logger)

	eventRouter := router.New(rootCtx, logger, reg, bcast, trips, monitor, chatStore, geo, collabClient)

	app := &App{
		logger:      logger,
		reg:         reg,
		eventRouter: eventRouter,
		config:      cfg,
		ctx:         rootCtx,
	}

	connCycler := func(userID string) {
		oldest, found := reg.FindOldestUserConnection(userID)
		if found {
			logger.Info("Cycling connection: closing oldest", "userID", userID, "connID", oldest.ID)
			oldest.Transport.Close(errors.New("connection cycled by new connection"))
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret),
			middleware.NewConnectionLimiter(
				logger,
				reg.UserConnectionCount,
				connCycler,
				cfg.Server.ConnectionLimit,
			),
		),
	)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return rootCtx
	}}

	return app
}

// alertEmitter bridges presence alerts onto the broadcast router. Derived
// alerts go to the whole room, subject included, so every replica converges.
func alertEmitter(bcast *broadcast.Router) presence.AlertFunc {
	return func(roomID, userID string, kind presence.AlertKind) {
		metrics.AlertsFired.WithLabelValues(string(kind)).Inc()
		switch kind {
		case presence.AlertOffline:
			bcast.Broadcast(roomID, uuid.Nil, protocol.EventSOSAuto,
				protocol.AutoSOS{UserID: userID, Type: "offline"}, false)
		case presence.AlertIdle:
			bcast.Broadcast(roomID, uuid.Nil, protocol.EventIdleAlert,
				protocol.IdleAlert{UserID: userID, Type: "idle"}, false)
		}
	}
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{ReadTimeout: a.config.Transport.ReadTimeout},
		a.eventRouter.HandleMessage,
		nil,
		a.logger,
	)
	if _, err := a.reg.Register(conn.ID(), reqMeta.UserID, conn); err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	metrics.ActiveConnections.Inc()

	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Cleaning up closed connection", slog.String("connID", id.String()))
		a.eventRouter.HandleDisconnect(id)
		metrics.ActiveConnections.Dec()
	})

	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("Closing all active connections...")
	for _, conn := range a.reg.AllConnections() {
		conn.Transport.Close(errors.New("graceful shutdown"))
	}

	// Wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}

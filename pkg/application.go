package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"game-soul-technology/joker/joker-presence-server/pkg/auth"
	"game-soul-technology/joker/joker-presence-server/pkg/config"
	"game-soul-technology/joker/joker-presence-server/pkg/fanout"
	"game-soul-technology/joker/joker-presence-server/pkg/gateway"
	"game-soul-technology/joker/joker-presence-server/pkg/infra"
	"game-soul-technology/joker/joker-presence-server/pkg/msg"
	"game-soul-technology/joker/joker-presence-server/pkg/presence"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	// Time allowed to attach the fanout transport at startup.
	fanoutStartTimeout = 5 * time.Second

	// Time allowed for one health check round.
	healthCheckTimeout = 3 * time.Second

	maxActorIdLength = 256
)

type Application struct {
	config          *config.Config
	hub             *gateway.Hub
	heartbeater     *gateway.Heartbeater
	broadcaster     *fanout.Broadcaster
	snapshotService *presence.SnapshotService
	store           presence.Store
	verifier        auth.Verifier
	wsUpgrader      *websocket.Upgrader
	validate        *validator.Validate

	metrics       *infra.Metrics
	loggerFactory *infra.LoggerFactory
	logger        *zap.SugaredLogger
}

func ProvideApplication(
	config *config.Config,
	hub *gateway.Hub,
	heartbeater *gateway.Heartbeater,
	broadcaster *fanout.Broadcaster,
	snapshotService *presence.SnapshotService,
	store presence.Store,
	verifier auth.Verifier,
	metrics *infra.Metrics,
	loggerFactory *infra.LoggerFactory,
) *Application {
	return &Application{
		config:          config,
		hub:             hub,
		heartbeater:     heartbeater,
		broadcaster:     broadcaster,
		snapshotService: snapshotService,
		store:           store,
		verifier:        verifier,
		wsUpgrader:      &websocket.Upgrader{},
		validate:        validator.New(),
		metrics:         metrics,
		loggerFactory:   loggerFactory,
		logger:          loggerFactory.Create("Application").Sugar(),
	}
}

// Run starts background workers, they stop when ctx is done.
func (a *Application) Run(ctx context.Context) {
	go a.hub.Run(ctx)

	startCtx, cancel := context.WithTimeout(ctx, fanoutStartTimeout)
	defer cancel()
	a.broadcaster.Start(startCtx)
}

func (a *Application) HandleWs(c echo.Context) error {
	conn, err := a.wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	// Nothing is readable from the connection before this point.
	actorId, err := a.verifier.Verify(c.Request().Context(), auth.TokenFromRequest(c.Request()))
	if err == nil && actorId == presence.HealthCheckActorId {
		err = auth.ErrInvalidToken
	}
	if err != nil {
		a.logger.Infof("reject ws ip[%v] %v", c.RealIP(), err)
		a.metrics.AuthFailures.WithLabelValues(authFailureReason(err)).Inc()
		a.rejectWs(conn, "unauthorized")
		return nil
	}

	client := gateway.NewClient(gateway.ClientOptions{
		ActorId:           actorId,
		Ip:                c.RealIP(),
		Conn:              conn,
		HeartbeatCooldown: a.config.HeartbeatCooldown,
		PingInterval:      a.config.PingInterval,
		Hub:               a.hub,
		HeartbeatHandler:  a.heartbeater,
		LoggerFactory:     a.loggerFactory,
	})

	// Give the UI the actor's own state before any heartbeat.
	entries, err := a.snapshotService.GetSnapshot(c.Request().Context(), []string{actorId})
	if err != nil {
		a.logger.Warnf("skip initial snapshot for actorId[%v] %v", actorId, err)
	} else {
		wsMessage, err := msg.NewWsMessage(msg.SnapshotCode, &msg.SnapshotServerEvent{Entries: entries})
		if err != nil {
			a.logger.Errorf("cannot marshal SnapshotServerEvent %v", err)
		} else {
			client.Send(wsMessage)
		}
	}

	go client.Run()
	return nil
}

func (a *Application) rejectWs(conn *websocket.Conn, reason string) {
	defer conn.Close()

	wsMessage, err := msg.NewWsMessage(msg.ErrorCode, &msg.ErrorServerEvent{Reason: reason})
	if err != nil {
		a.logger.Errorf("cannot marshal ErrorServerEvent %v", err)
		return
	}

	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteJSON(wsMessage); err != nil {
		a.logger.Errorf("cannot write json to ws conn %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)); err != nil {
		a.logger.Errorf("cannot write close message to ws conn %v", err)
	}
}

func authFailureReason(err error) string {
	if errors.Is(err, auth.ErrMissingToken) {
		return "missing"
	}
	return "invalid"
}

type presenceResponse struct {
	Entries []msg.SnapshotEntry `json:"entries"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// HandlePresence answers GET /presence?ids=a,b,c.
func (a *Application) HandlePresence(c echo.Context) error {
	ids := parseIds(c.QueryParam("ids"))

	rule := fmt.Sprintf("max=%d,dive,max=%d", a.config.MaxSnapshotIds, maxActorIdLength)
	if err := a.validate.Var(ids, rule); err != nil {
		return c.JSON(http.StatusBadRequest, &errorResponse{Message: fmt.Sprintf("at most %d ids of at most %d characters", a.config.MaxSnapshotIds, maxActorIdLength)})
	}

	entries, err := a.snapshotService.GetSnapshot(c.Request().Context(), ids)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, &errorResponse{Message: "presence store unavailable"})
	}
	return c.JSON(http.StatusOK, &presenceResponse{Entries: lo.Map(entries, hideHealthCheck)})
}

// The health check actor is never a real presence.
func hideHealthCheck(entry msg.SnapshotEntry, _ int) msg.SnapshotEntry {
	if entry.ActorId == presence.HealthCheckActorId {
		return msg.SnapshotEntry{ActorId: entry.ActorId}
	}
	return entry
}

func parseIds(raw string) []string {
	return lo.Filter(
		lo.Map(strings.Split(raw, ","), func(id string, _ int) string { return strings.TrimSpace(id) }),
		func(id string, _ int) bool { return id != "" },
	)
}

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Fanout string `json:"fanout"`
	Error  string `json:"error,omitempty"`
}

// HandleHealth runs refresh, exists and remove on a reserved actor.
func (a *Application) HandleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()

	fanoutMode := "single-instance"
	if a.broadcaster.IsDistributed() {
		fanoutMode = "distributed"
	}

	if err := a.checkStore(ctx); err != nil {
		a.logger.Errorf("health check failed %v", err)
		return c.JSON(http.StatusServiceUnavailable, &healthResponse{
			Status: "unavailable",
			Store:  "unreachable",
			Fanout: fanoutMode,
			Error:  err.Error(),
		})
	}

	return c.JSON(http.StatusOK, &healthResponse{
		Status: "ok",
		Store:  "reachable",
		Fanout: fanoutMode,
	})
}

func (a *Application) checkStore(ctx context.Context) error {
	if _, err := a.store.Refresh(ctx, presence.HealthCheckActorId); err != nil {
		return err
	}

	exists, err := a.store.Exists(ctx, presence.HealthCheckActorId)
	if err != nil {
		return err
	}
	if !exists {
		return errors.New("health check key missing right after refresh")
	}

	return a.store.Remove(ctx, presence.HealthCheckActorId)
}

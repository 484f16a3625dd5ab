package accounting

import (
	"context"
	"fmt"

	"game-soul-technology/joker/joker-presence-server/pkg/config"
	"game-soul-technology/joker/joker-presence-server/pkg/infra"

	"github.com/imroc/req/v3"
	"go.uber.org/zap"
)

const (
	sessionStartPath  = "/api/presence/session/start"
	sessionExtendPath = "/api/presence/session/extend"
)

// SessionAccounting keeps online time records on main server. Calls are best
// effort, callers only log the errors.
type SessionAccounting interface {
	SessionStart(ctx context.Context, actorId string) error
	SessionExtend(ctx context.Context, actorId string) error
}

func ProvideSessionAccounting(cfg *config.Config, httpClient *req.Client, loggerFactory *infra.LoggerFactory) SessionAccounting {
	logger := loggerFactory.Create("SessionAccounting").Sugar()
	if cfg.MainServerHost == "" {
		logger.Warnf("main server host not set, session accounting disabled")
		return NopAccounting{}
	}
	return &HttpAccounting{
		httpClient: httpClient,
		logger:     logger,
	}
}

type HttpAccounting struct {
	httpClient *req.Client
	logger     *zap.SugaredLogger
}

func (a *HttpAccounting) SessionStart(ctx context.Context, actorId string) error {
	return a.post(ctx, sessionStartPath, actorId)
}

func (a *HttpAccounting) SessionExtend(ctx context.Context, actorId string) error {
	return a.post(ctx, sessionExtendPath, actorId)
}

func (a *HttpAccounting) post(ctx context.Context, path string, actorId string) error {
	resp, err := a.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(&struct {
			ActorId string `json:"actorId"`
		}{ActorId: actorId}).
		Post(path)
	if err != nil {
		return fmt.Errorf("request %v for actorId[%v]: %w", path, actorId, err)
	}

	if resp.IsErrorState() {
		return fmt.Errorf("request %v for actorId[%v] failed with status[%v]", path, actorId, resp.Status)
	}

	a.logger.Debugf("%v done for actorId[%v]", path, actorId)
	return nil
}

type NopAccounting struct{}

func (NopAccounting) SessionStart(ctx context.Context, actorId string) error  { return nil }
func (NopAccounting) SessionExtend(ctx context.Context, actorId string) error { return nil }

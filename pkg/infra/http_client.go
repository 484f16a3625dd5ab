package infra

import (
	"time"

	"game-soul-technology/joker/joker-presence-server/pkg/config"

	"github.com/imroc/req/v3"
)

// ProvideHttpClient creates the client used to call main server.
func ProvideHttpClient(cfg *config.Config) *req.Client {
	// Use C() to create a client and set with chainable client settings.
	return req.C().
		SetBaseURL(cfg.MainServerHost).
		SetCommonHeader("jtoken", cfg.MainServerApiKey).
		// Timeout of all requests.
		SetTimeout(cfg.AccountingTimeout).
		// Enable retry and set the maximum retry count.
		SetCommonRetryCount(2).
		SetCommonRetryFixedInterval(500 * time.Millisecond)
}

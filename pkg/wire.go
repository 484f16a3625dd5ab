//go:build wireinject
// +build wireinject

package main

import (
	"game-soul-technology/joker/joker-presence-server/pkg/accounting"
	"game-soul-technology/joker/joker-presence-server/pkg/auth"
	"game-soul-technology/joker/joker-presence-server/pkg/config"
	"game-soul-technology/joker/joker-presence-server/pkg/fanout"
	"game-soul-technology/joker/joker-presence-server/pkg/gateway"
	"game-soul-technology/joker/joker-presence-server/pkg/infra"
	"game-soul-technology/joker/joker-presence-server/pkg/presence"

	"github.com/google/wire"
)

func Setup() (*Server, func(), error) {
	wire.Build(
		config.ProvideConfig,
		infra.ProvideLoggerFactory,
		infra.ProvideRedisClient,
		infra.ProvideHttpClient,
		infra.ProvideMetrics,
		presence.ProvideRedisStore,
		wire.Bind(new(presence.Store), new(*presence.RedisStore)),
		presence.ProvideSnapshotService,
		auth.ProvideJwtVerifier,
		wire.Bind(new(auth.Verifier), new(*auth.JwtVerifier)),
		accounting.ProvideSessionAccounting,
		fanout.ProvideTransport,
		fanout.ProvideBroadcaster,
		wire.Bind(new(fanout.Sink), new(*gateway.Hub)),
		gateway.ProvideHub,
		gateway.ProvideHeartbeater,
		wire.Bind(new(gateway.Publisher), new(*fanout.Broadcaster)),
		ProvideApplication,
		ProvideServer,
	)
	return nil, nil, nil
}

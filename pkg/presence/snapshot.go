package presence

import (
	"context"

	"game-soul-technology/joker/joker-presence-server/pkg/infra"
	"game-soul-technology/joker/joker-presence-server/pkg/msg"

	"go.uber.org/zap"
)

// SnapshotService answers point in time queries over many actors.
type SnapshotService struct {
	store  Store
	logger *zap.SugaredLogger
}

func ProvideSnapshotService(store Store, loggerFactory *infra.LoggerFactory) *SnapshotService {
	return &SnapshotService{
		store:  store,
		logger: loggerFactory.Create("SnapshotService").Sugar(),
	}
}

// GetSnapshot returns one entry per requested id in the same order. Unknown
// ids are offline with no last seen time. No round trip for empty input.
func (s *SnapshotService) GetSnapshot(ctx context.Context, actorIds []string) ([]msg.SnapshotEntry, error) {
	if len(actorIds) == 0 {
		return []msg.SnapshotEntry{}, nil
	}

	entries, err := s.store.BatchSnapshot(ctx, actorIds)
	if err != nil {
		s.logger.Errorf("cannot read snapshot of %v actors %v", len(actorIds), err)
		return nil, err
	}

	s.logger.Debugf("snapshot ids[%v] entries[%+v]", actorIds, entries)
	return entries, nil
}

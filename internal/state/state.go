package state

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"

	"loom/internal/capability"
	"loom/internal/config"
	"loom/internal/ledger"
	"loom/internal/mesh"
	"loom/internal/remote"
	"loom/internal/router"
	"loom/internal/server"
	"loom/internal/stream"
	"loom/internal/trust"
)

// State represents the running node with all dependencies wired together.
type State struct {
	Config   *config.Config
	Logger   *logrus.Logger
	DB       *leveldb.DB
	Stream   stream.Stream
	Provider capability.Provider
	Trust    *trust.Engine
	Topology *mesh.Topology
	Router   *router.Router
	Ledger   *ledger.Ledger
	Server   *server.Server
	Remote   *remote.Client
}

// New creates an empty State instance.
func New() *State {
	return &State{}
}

// Close stops the server and closes all connections. The trust and ledger
// stores share the single DB handle, so it is closed exactly once here.
func (s *State) Close() error {
	var lastErr error

	if s.Server != nil {
		if err := s.Server.Stop(); err != nil && !errors.Is(err, server.ErrNotRunning) {
			lastErr = err
		}
	}

	if s.Stream != nil {
		if err := s.Stream.Close(); err != nil {
			lastErr = err
		}
	}

	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

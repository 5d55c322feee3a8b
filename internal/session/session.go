// Package session owns the one piece of startup bookkeeping that sits
// above the wire transport but below the manager: declaring this agent's
// manifest (its registered repositories/targets) to the server. Session id
// and reconnect-parameter priority themselves live in internal/connection,
// which already tracks them against the teacher's connection.Manager
// register/reconnect handling; this package is grounded on session.py's
// register_module/_build_manifest, adapted to the 3-tag connection
// protocol where the manifest travels as a notification rather than its
// own RPC.
package session

import (
	"go.uber.org/zap"

	"github.com/relayhq/agent/internal/connection"
	"github.com/relayhq/agent/internal/target"
)

// Declarer sends this agent's manifest to the server. It wires
// connection.Connection.OnSessionEstablished so the manifest is
// (re)declared on first connect and after every reconnect — declaring it
// again on a resumed session is a harmless no-op server-side, and doing so
// unconditionally avoids having to distinguish a fresh registration from a
// resumed one purely from the client's view of the handshake.
type Declarer struct {
	conn     *connection.Connection
	registry *target.Registry
	log      *zap.Logger
}

// NewDeclarer wires conn to declare registry's manifest on every session
// establishment. Must be called before conn.Run starts.
func NewDeclarer(conn *connection.Connection, registry *target.Registry, log *zap.Logger) *Declarer {
	d := &Declarer{conn: conn, registry: registry, log: log.Named("session")}
	conn.OnSessionEstablished = d.declare
	return d
}

func (d *Declarer) declare(sessionID string) {
	manifest := d.registry.Manifest()
	if err := d.conn.Notify("declare_targets", manifest); err != nil {
		d.log.Error("failed to declare targets", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	d.log.Info("declared targets",
		zap.String("session_id", sessionID),
		zap.Int("repositories", len(manifest)),
	)
}

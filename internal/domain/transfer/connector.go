// Package transfer holds the vocabulary of a member transfer operation: the
// entities being moved, the connector contract used to move them and the
// scheduling units (group pairs and worker groups) strategies operate on.
package transfer

import (
	"context"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/worker"
)

// Entity is one member extracted from a source collection.
type Entity struct {
	ID         string            `json:"id"`
	Handle     string            `json:"handle,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ConnectorSession is an authenticated connection held by one worker.
type ConnectorSession interface {
	WorkerID() string
}

// Connector performs the remote calls. Implementations surface their native
// errors; a resilience converter maps them onto the fault taxonomy.
type Connector interface {
	Connect(ctx context.Context, w worker.Snapshot) (ConnectorSession, error)
	// ExtractBatch returns up to limit entities of source starting at offset.
	ExtractBatch(ctx context.Context, sess ConnectorSession, source string, limit, offset int) ([]Entity, error)
	Transfer(ctx context.Context, sess ConnectorSession, entity Entity, target string) error
	Disconnect(ctx context.Context, sess ConnectorSession) error
}

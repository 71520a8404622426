package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/illmade-knight/sensorhub/pkg/types"
)

// ErrInvalidMacID is returned for mac ids that cannot form an MQTT topic level.
var ErrInvalidMacID = errors.New("invalid mac_id")

// ErrNodeNotFound is returned by Lookup for node ids with no registry entry.
var ErrNodeNotFound = errors.New("node not found")

// StoreError reports a failure of the registry's backing store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("registry %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// RegisterResult is the outcome of Register.
type RegisterResult struct {
	NodeID  string
	Created bool
}

// DeregisterResult is the outcome of Deregister.
type DeregisterResult struct {
	Found  bool
	NodeID string
}

// Registry is the authoritative list of known sensor nodes.
//
// Register is idempotent: registering a known mac id returns its existing
// node id with Created false. Deregister only removes the entry; callers are
// responsible for dropping buffers and unsubscribing.
type Registry interface {
	Register(ctx context.Context, macID string) (RegisterResult, error)
	List(ctx context.Context) ([]types.NodeEntry, error)
	Deregister(ctx context.Context, macID string) (DeregisterResult, error)
	Lookup(ctx context.Context, nodeID string) (types.NodeEntry, error)
	Close() error
}

// NormalizeMacID trims a mac id and rejects values that are empty or contain
// MQTT topic separators or wildcards.
func NormalizeMacID(macID string) (string, error) {
	macID = strings.TrimSpace(macID)
	if macID == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidMacID)
	}
	if strings.ContainsAny(macID, "/+#") {
		return "", fmt.Errorf("%w: %q contains a topic separator or wildcard", ErrInvalidMacID, macID)
	}
	return macID, nil
}

// NodeIDFor derives the routing key of a mac id under baseTopic, e.g.
// "gateway1/node" + "AA" -> "gateway1/node/AA".
func NodeIDFor(baseTopic, macID string) string {
	return strings.TrimRight(baseTopic, "/") + "/" + macID
}

package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/illmade-knight/sensorhub/pkg/types"
)

// FirestoreConfig holds configuration for the Firestore-backed registry.
type FirestoreConfig struct {
	ProjectID       string
	CollectionName  string // e.g., "nodes"
	CredentialsFile string // Optional, for specific service account
	BaseTopic       string
}

// FirestoreRegistry stores one document per node, keyed by mac id.
type FirestoreRegistry struct {
	client     *firestore.Client
	collection string
	baseTopic  string
	now        func() time.Time
	logger     zerolog.Logger
}

// NewFirestoreRegistry creates a registry backed by Firestore.
// For emulator, ensure FIRESTORE_EMULATOR_HOST environment variable is set.
func NewFirestoreRegistry(ctx context.Context, cfg FirestoreConfig, logger zerolog.Logger) (*FirestoreRegistry, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore registry requires a project id")
	}
	if cfg.CollectionName == "" {
		cfg.CollectionName = "nodes"
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for Firestore")
	} else if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		logger.Info().Msg("Using Application Default Credentials (ADC) for Firestore")
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		logger.Error().Err(err).Str("project_id", cfg.ProjectID).Msg("Failed to create Firestore client")
		return nil, &StoreError{Op: "connect", Err: err}
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreRegistry initialized successfully")
	return &FirestoreRegistry{
		client:     client,
		collection: cfg.CollectionName,
		baseTopic:  cfg.BaseTopic,
		now:        time.Now,
		logger:     logger.With().Str("component", "FirestoreRegistry").Logger(),
	}, nil
}

// Register creates the node document if it does not exist. Create fails with
// AlreadyExists for a known mac id, which is read back to return the stored
// node id.
func (f *FirestoreRegistry) Register(ctx context.Context, macID string) (RegisterResult, error) {
	macID, err := NormalizeMacID(macID)
	if err != nil {
		return RegisterResult{}, err
	}

	entry := types.NodeEntry{
		MacID:     macID,
		NodeID:    NodeIDFor(f.baseTopic, macID),
		CreatedAt: f.now().Unix(),
	}
	docRef := f.client.Collection(f.collection).Doc(macID)
	_, err = docRef.Create(ctx, entry)
	if err == nil {
		f.logger.Info().Str("mac_id", macID).Str("node_id", entry.NodeID).Msg("Node registered")
		return RegisterResult{NodeID: entry.NodeID, Created: true}, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		f.logger.Error().Err(err).Str("mac_id", macID).Msg("Failed to create node document")
		return RegisterResult{}, &StoreError{Op: "register", Err: err}
	}

	existing, err := f.get(ctx, docRef)
	if err != nil {
		return RegisterResult{}, err
	}
	return RegisterResult{NodeID: existing.NodeID}, nil
}

// List returns all nodes ordered by creation time.
func (f *FirestoreRegistry) List(ctx context.Context) ([]types.NodeEntry, error) {
	iter := f.client.Collection(f.collection).OrderBy("created_at", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	entries := make([]types.NodeEntry, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			f.logger.Error().Err(err).Msg("Failed to iterate node documents")
			return nil, &StoreError{Op: "list", Err: err}
		}
		var entry types.NodeEntry
		if err := snap.DataTo(&entry); err != nil {
			f.logger.Warn().Err(err).Str("doc_id", snap.Ref.ID).Msg("Skipping unreadable node document")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Deregister deletes the node document inside a transaction so the returned
// node id is the one that was removed.
func (f *FirestoreRegistry) Deregister(ctx context.Context, macID string) (DeregisterResult, error) {
	macID, err := NormalizeMacID(macID)
	if err != nil {
		return DeregisterResult{}, err
	}

	docRef := f.client.Collection(f.collection).Doc(macID)
	var result DeregisterResult
	err = f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = DeregisterResult{}
		snap, err := tx.Get(docRef)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var entry types.NodeEntry
		if err := snap.DataTo(&entry); err != nil {
			return err
		}
		if err := tx.Delete(docRef); err != nil {
			return err
		}
		result = DeregisterResult{Found: true, NodeID: entry.NodeID}
		return nil
	})
	if err != nil {
		f.logger.Error().Err(err).Str("mac_id", macID).Msg("Failed to delete node document")
		return DeregisterResult{}, &StoreError{Op: "deregister", Err: err}
	}
	if result.Found {
		f.logger.Info().Str("mac_id", macID).Str("node_id", result.NodeID).Msg("Node deregistered")
	}
	return result, nil
}

// Lookup finds the entry whose node id matches.
func (f *FirestoreRegistry) Lookup(ctx context.Context, nodeID string) (types.NodeEntry, error) {
	iter := f.client.Collection(f.collection).Where("node_id", "==", nodeID).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return types.NodeEntry{}, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if err != nil {
		return types.NodeEntry{}, &StoreError{Op: "lookup", Err: err}
	}
	var entry types.NodeEntry
	if err := snap.DataTo(&entry); err != nil {
		return types.NodeEntry{}, &StoreError{Op: "lookup", Err: err}
	}
	return entry, nil
}

func (f *FirestoreRegistry) get(ctx context.Context, docRef *firestore.DocumentRef) (types.NodeEntry, error) {
	snap, err := docRef.Get(ctx)
	if err != nil {
		return types.NodeEntry{}, &StoreError{Op: "get", Err: err}
	}
	var entry types.NodeEntry
	if err := snap.DataTo(&entry); err != nil {
		return types.NodeEntry{}, &StoreError{Op: "get", Err: err}
	}
	return entry, nil
}

// Close closes the Firestore client.
func (f *FirestoreRegistry) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

var _ Registry = (*FirestoreRegistry)(nil)

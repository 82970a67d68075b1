// Package firestore provides a Firestore implementation of the entitlement.Store interface.
// Each key is one document holding the raw record bytes.
package firestore

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/mindcare/pkg/entitlement"
)

// Storage implements entitlement.Store using Google Cloud Firestore
type Storage struct {
	client     *firestore.Client
	collection string
}

// Config holds Firestore storage configuration
type Config struct {
	// Collection is the Firestore collection holding the records
	// Default: "mindcare_records"
	Collection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.Collection == "" {
		config.Collection = "mindcare_records"
	}

	return &Storage{
		client:     client,
		collection: config.Collection,
	}, nil
}

// Get implements entitlement.Store
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	snap, err := s.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if !snap.Exists() {
		return nil, entitlement.ErrNotFound
	}

	value, ok := snap.Data()["value"].([]byte)
	if !ok {
		return nil, fmt.Errorf("document %s has no value field", key)
	}
	return value, nil
}

// Set implements entitlement.Store
func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}

	_, err := s.doc(key).Set(ctx, map[string]interface{}{
		"value":     value,
		"updatedAt": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// DocumentID maps a store key to a Firestore document ID. Document IDs
// cannot contain a slash, so keys are path-escaped.
func DocumentID(key string) string {
	return url.PathEscape(key)
}

func (s *Storage) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(DocumentID(key))
}

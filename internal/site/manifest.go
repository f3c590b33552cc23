package site

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/docspreview/previewctl/internal/blob"
)

// ManifestKey is where Sync records what it uploaded.
const ManifestKey = ReservedPrefix + "manifest.json"

const manifestSchemaVersion = 1

// Manifest records the artifact deployed into an origin store. Reading
// it back tells a provider which bundle the store serves.
type Manifest struct {
	SchemaVersion int               `json:"schema_version"`
	Environment   string            `json:"environment"`
	BundleHash    string            `json:"bundle_hash"`
	SyncedAt      string            `json:"synced_at"`
	Files         map[string]string `json:"files"`
}

// MarshalManifest serializes m as indented JSON. Map keys are emitted in
// sorted order, so equal manifests encode identically.
func MarshalManifest(m *Manifest) ([]byte, error) {
	if m == nil {
		return nil, errors.New("site: cannot marshal nil manifest")
	}
	return json.MarshalIndent(m, "", "  ")
}

// UnmarshalManifest parses a manifest.
func UnmarshalManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("site: unmarshal manifest: %w", err)
	}
	if m.SchemaVersion != manifestSchemaVersion {
		return nil, fmt.Errorf("site: unsupported manifest schema version %d", m.SchemaVersion)
	}
	return &m, nil
}

// ReadManifest fetches the manifest from store. It returns
// blob.ErrNotFound when nothing has been synced yet.
func ReadManifest(ctx context.Context, store blob.Store) (*Manifest, error) {
	data, _, err := blob.ReadAll(ctx, store, ManifestKey)
	if err != nil {
		return nil, err
	}
	return UnmarshalManifest(data)
}

func writeManifest(ctx context.Context, store blob.Store, m *Manifest) error {
	data, err := MarshalManifest(m)
	if err != nil {
		return err
	}
	return store.Put(ctx, ManifestKey, bytes.NewReader(data), blob.PutOptions{
		ContentType:  ContentTypeManifest,
		CacheControl: "no-cache",
	})
}

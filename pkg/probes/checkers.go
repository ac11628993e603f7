package probes

import (
	"context"

	"github.com/cuemby/warden/pkg/blob"
	"github.com/cuemby/warden/pkg/keystore"
	"github.com/cuemby/warden/pkg/storage"
)

// StoreChecker probes the metadata store with a cheap read. An empty store
// is healthy; only transport or corruption errors mark it unavailable.
func StoreChecker(store storage.Store) Checker {
	return CheckFunc{
		CheckerName: "store",
		Fn: func(ctx context.Context) error {
			_, err := store.CurrentIncidentState(ctx)
			if err == storage.ErrNotFound {
				return nil
			}
			return err
		},
	}
}

// BlobChecker probes the object store by asking for a sentinel object. A
// clean not-found answer proves the store is reachable.
func BlobChecker(blobs blob.Store, bucket string) Checker {
	return CheckFunc{
		CheckerName: "blob_store",
		Fn: func(ctx context.Context) error {
			_, err := blobs.Get(ctx, bucket, ".readiness-probe")
			if err == blob.ErrNotFound {
				return nil
			}
			return err
		},
	}
}

// KeystoreChecker probes the key store for the active key material. A
// missing key file is a provisioning problem and marks the gateway not
// ready; backups cannot be encrypted without it.
func KeystoreChecker(keys keystore.Store) Checker {
	return CheckFunc{
		CheckerName: "keystore",
		Fn: func(ctx context.Context) error {
			_, err := keys.ActiveKey()
			return err
		},
	}
}

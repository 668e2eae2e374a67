package state

import (
	"context"
	"encoding/base64"

	"github.com/offsoc/Mock-Signal-Server/internal/apierr"
	"github.com/offsoc/Mock-Signal-Server/internal/model"
	"github.com/offsoc/Mock-Signal-Server/internal/types"
)

// MaxReadStorageRecords bounds how many keys a single ReadStorageItems call
// will honor, matching signalmeow's storageservice.go chunking constant.
const MaxReadStorageRecords = 2500

// StorageManifest returns the account's manifest if its version is strictly
// greater than afterVersion; otherwise it returns (nil, nil), which the
// handler turns into 204 per "returns current manifest if its version > v,
// else 204".
func (s *ServerState) StorageManifest(ctx context.Context, account types.ServiceID, afterVersion uint64) (*model.StorageManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	manifest, ok := s.storageManifests[asACI(account)]
	if !ok || manifest.Version <= afterVersion {
		return nil, nil
	}
	return manifest, nil
}

// StorageWrite is the decoded body of PUT /v1/storage.
type StorageWrite struct {
	Manifest   model.StorageManifest
	InsertItem []model.StorageItem
	DeleteKey  []string
	ClearAll   bool
}

// WriteStorage atomically applies a WriteOperation: if the submitted
// manifest version is not strictly greater than the current one, it is
// rejected with a 409 carrying the current manifest; otherwise inserts,
// deletes, and an optional clear are applied, the new manifest installed,
// and every waiter on this account's manifest broadcaster is woken.
func (s *ServerState) WriteStorage(ctx context.Context, account types.ServiceID, write StorageWrite) (*model.StorageManifest, error) {
	aci := asACI(account)
	s.mu.Lock()

	current, hasCurrent := s.storageManifests[aci]
	if hasCurrent && write.Manifest.Version <= current.Version {
		s.mu.Unlock()
		return nil, apierr.NewConflictError("storage manifest version conflict", map[string]any{
			"version": current.Version,
		})
	}

	items := s.storageItems[aci]
	if items == nil {
		items = make(map[string]*model.StorageItem)
		s.storageItems[aci] = items
	}
	if write.ClearAll {
		items = make(map[string]*model.StorageItem)
		s.storageItems[aci] = items
	}
	for _, del := range write.DeleteKey {
		delete(items, del)
	}
	for _, item := range write.InsertItem {
		item := item
		items[item.Key] = &item
	}

	manifest := write.Manifest
	s.storageManifests[aci] = &manifest

	waiter := s.manifestWaiters[aci]
	if waiter == nil {
		waiter = newBroadcaster()
		s.manifestWaiters[aci] = waiter
	}
	s.mu.Unlock()

	waiter.broadcast()
	return &manifest, nil
}

// ReadStorageItems returns the current values for the requested keys,
// honoring at most MaxReadStorageRecords per call; keys the account has no
// item for are silently omitted, matching Signal's ReadOperation contract.
func (s *ServerState) ReadStorageItems(ctx context.Context, account types.ServiceID, keys []string) ([]model.StorageItem, error) {
	if len(keys) > MaxReadStorageRecords {
		keys = keys[:MaxReadStorageRecords]
	}
	aci := asACI(account)
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.storageItems[aci]
	out := make([]model.StorageItem, 0, len(keys))
	for _, key := range keys {
		if item, ok := items[key]; ok {
			out = append(out, *item)
		}
	}
	return out, nil
}

// WaitForStorageManifest blocks until a manifest version strictly greater
// than afterVersion has been written for this account, or ctx is done. It
// is the façade-level primitive behind waitForStorageManifest.
func (s *ServerState) WaitForStorageManifest(ctx context.Context, account types.ServiceID, afterVersion uint64) (*model.StorageManifest, error) {
	aci := asACI(account)
	for {
		s.mu.Lock()
		manifest, ok := s.storageManifests[aci]
		if ok && manifest.Version > afterVersion {
			s.mu.Unlock()
			return manifest, nil
		}
		waiter := s.manifestWaiters[aci]
		if waiter == nil {
			waiter = newBroadcaster()
			s.manifestWaiters[aci] = waiter
		}
		wake := waiter.chanToWait()
		s.mu.Unlock()

		select {
		case <-wake:
			continue
		case <-ctx.Done():
			return nil, apierr.NewQueueTimeout("manifestQueueByUuid")
		}
	}
}

// b64Key is a small helper handlers use to turn opaque storage-item key
// bytes into the map key ReadStorageItems/WriteStorage expect.
func B64Key(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

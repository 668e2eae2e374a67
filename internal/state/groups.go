package state

import (
	"context"
	"encoding/base64"

	"github.com/offsoc/Mock-Signal-Server/internal/apierr"
	"github.com/offsoc/Mock-Signal-Server/internal/model"
)

// CreateGroup persists the initial state of a group at version 0. The
// caller (the HTTP handler) is responsible for having already checked the
// zkgroup auth credential presentation in Authorization; see the Open
// Question in DESIGN.md on why that check is shape-only here.
func (s *ServerState) CreateGroup(ctx context.Context, publicKey []byte, access model.AccessControl, members []model.GroupMember, inviteLinkPassword []byte) (*model.Group, error) {
	key := base64.StdEncoding.EncodeToString(publicKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.groups[key]; exists {
		return nil, apierr.NewConflictError("group already exists", map[string]any{"version": s.groups[key]})
	}
	group := &model.Group{
		PublicKey:          publicKey,
		Version:            0,
		AccessControl:      access,
		Members:            members,
		InviteLinkPassword: inviteLinkPassword,
	}
	s.groups[key] = group
	return group, nil
}

// GetGroup returns the current state of a group.
func (s *ServerState) GetGroup(ctx context.Context, publicKey []byte) (*model.Group, error) {
	key := base64.StdEncoding.EncodeToString(publicKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[key]
	if !ok {
		return nil, apierr.NewNotFoundError("group not found")
	}
	return group, nil
}

// ApplyGroupChange validates that a submitted change's version is exactly
// current+1, appends it to the change log, and bumps the group's version.
// A version mismatch is a 409 conflict carrying the group's current
// version so the client can rebase.
func (s *ServerState) ApplyGroupChange(ctx context.Context, publicKey []byte, changeVersion uint32, signedChangeProto []byte, applyMembers []model.GroupMember, newAccess *model.AccessControl) (*model.Group, error) {
	key := base64.StdEncoding.EncodeToString(publicKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[key]
	if !ok {
		return nil, apierr.NewNotFoundError("group not found")
	}
	if changeVersion != group.Version+1 {
		return nil, apierr.NewConflictError("group change version mismatch", map[string]any{
			"currentVersion": group.Version,
		})
	}
	group.Version = changeVersion
	group.ChangeLog = append(group.ChangeLog, model.GroupChangeLogEntry{
		Version:           changeVersion,
		SignedChangeProto: signedChangeProto,
	})
	if applyMembers != nil {
		group.Members = applyMembers
	}
	if newAccess != nil {
		group.AccessControl = *newAccess
	}
	return group, nil
}

// GroupChangeLog returns every logged change with version > fromVersion,
// in ascending version order.
func (s *ServerState) GroupChangeLog(ctx context.Context, publicKey []byte, fromVersion uint32) ([]model.GroupChangeLogEntry, error) {
	key := base64.StdEncoding.EncodeToString(publicKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[key]
	if !ok {
		return nil, apierr.NewNotFoundError("group not found")
	}
	var out []model.GroupChangeLogEntry
	for _, entry := range group.ChangeLog {
		if entry.Version > fromVersion {
			out = append(out, entry)
		}
	}
	return out, nil
}

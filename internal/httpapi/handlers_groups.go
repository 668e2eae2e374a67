package httpapi

import (
	"net/http"
	"strconv"

	"google.golang.org/protobuf/proto"

	signalpb "go.mau.fi/mautrix-signal/pkg/signalmeow/protobuf"

	"github.com/offsoc/Mock-Signal-Server/internal/apierr"
	"github.com/offsoc/Mock-Signal-Server/internal/model"
)

// accessControlFromProto converts the wire AccessControl message into the
// plain-int32 shape model.Group stores; a nil message leaves every field at
// AccessControl_UNKNOWN (0).
func accessControlFromProto(ac *signalpb.AccessControl) model.AccessControl {
	if ac == nil {
		return model.AccessControl{}
	}
	return model.AccessControl{
		Members:           int32(ac.GetMembers()),
		Attributes:        int32(ac.GetAttributes()),
		AddFromInviteLink: int32(ac.GetAddFromInviteLink()),
	}
}

func accessControlToProto(ac model.AccessControl) *signalpb.AccessControl {
	return &signalpb.AccessControl{
		Members:           signalpb.AccessControl_AccessRequired(ac.Members),
		Attributes:        signalpb.AccessControl_AccessRequired(ac.Attributes),
		AddFromInviteLink: signalpb.AccessControl_AccessRequired(ac.AddFromInviteLink),
	}
}

func membersFromProto(pbMembers []*signalpb.Member) []model.GroupMember {
	members := make([]model.GroupMember, 0, len(pbMembers))
	for _, m := range pbMembers {
		members = append(members, model.GroupMember{UserID: m.GetUserId(), Role: int32(m.GetRole())})
	}
	return members
}

func groupToProto(g *model.Group) *signalpb.Group {
	members := make([]*signalpb.Member, 0, len(g.Members))
	for _, m := range g.Members {
		members = append(members, &signalpb.Member{UserId: m.UserID, Role: signalpb.Member_Role(m.Role)})
	}
	return &signalpb.Group{
		Version:            g.Version,
		Members:            members,
		AccessControl:      accessControlToProto(g.AccessControl),
		InviteLinkPassword: g.InviteLinkPassword,
	}
}

// handleCreateGroup implements PUT /v1/groups. The body is a real
// signalpb.Group over application/x-protobuf, matching
// fetchGroupWithMasterKey's GET /v2/groups in the teacher's groups.go. The
// group's identifier comes from the zkgroup credential presentation in
// Authorization (see zkGroupAuth), not a body field: a real client's own
// group identifier is the hex-encoded groupPublicParams
// GetAuthorizationForToday already put in the username, so the body never
// needs to repeat it.
func (r *Router) handleCreateGroup(w http.ResponseWriter, req *http.Request) {
	auth, ok := zkGroupAuthFromContext(req.Context())
	if !ok {
		writeError(w, apierr.NewAuthError("missing zkgroup credential presentation"))
		return
	}
	var body signalpb.Group
	if err := readProtobufBody(req, &body); err != nil {
		writeError(w, err)
		return
	}
	group, err := r.State.CreateGroup(req.Context(), auth.PublicKey,
		accessControlFromProto(body.GetAccessControl()),
		membersFromProto(body.GetMembers()),
		body.GetInviteLinkPassword())
	if err != nil {
		writeError(w, err)
		return
	}
	writeProtobuf(w, http.StatusOK, groupToProto(group))
}

// handleApplyGroupChange implements PATCH /v1/groups. The body is a real
// signalpb.GroupChange, whose Actions field is itself a serialized
// signalpb.GroupChange_Actions. Per decryptGroupChange in the teacher's
// groups.go, Version and the three Modify*Access enum fields inside Actions
// are plaintext - the server reads and applies them directly, without real
// ZK group crypto. Member identities stay opaque []byte, same as
// model.GroupMember already models them.
func (r *Router) handleApplyGroupChange(w http.ResponseWriter, req *http.Request) {
	auth, ok := zkGroupAuthFromContext(req.Context())
	if !ok {
		writeError(w, apierr.NewAuthError("missing zkgroup credential presentation"))
		return
	}
	var change signalpb.GroupChange
	if err := readProtobufBody(req, &change); err != nil {
		writeError(w, err)
		return
	}
	var actions signalpb.GroupChange_Actions
	if err := proto.Unmarshal(change.GetActions(), &actions); err != nil {
		writeError(w, apierr.NewProtocolError("malformed group change actions"))
		return
	}

	current, err := r.State.GetGroup(req.Context(), auth.PublicKey)
	if err != nil {
		writeError(w, err)
		return
	}

	newAccess := current.AccessControl
	accessChanged := false
	if m := actions.GetModifyAttributesAccess(); m != nil {
		newAccess.Attributes = int32(m.GetAttributesAccess())
		accessChanged = true
	}
	if m := actions.GetModifyMemberAccess(); m != nil {
		newAccess.Members = int32(m.GetMembersAccess())
		accessChanged = true
	}
	if m := actions.GetModifyAddFromInviteLinkAccess(); m != nil {
		newAccess.AddFromInviteLink = int32(m.GetAddFromInviteLinkAccess())
		accessChanged = true
	}
	var access *model.AccessControl
	if accessChanged {
		access = &newAccess
	}

	var members []model.GroupMember
	if len(actions.GetAddMembers()) > 0 {
		members = append(members, current.Members...)
		for _, add := range actions.GetAddMembers() {
			if added := add.GetAdded(); added != nil {
				members = append(members, model.GroupMember{UserID: added.GetUserId(), Role: int32(added.GetRole())})
			}
		}
	}

	group, err := r.State.ApplyGroupChange(req.Context(), auth.PublicKey, actions.GetVersion(), change.GetActions(), members, access)
	if err != nil {
		writeError(w, err)
		return
	}
	writeProtobuf(w, http.StatusOK, groupToProto(group))
}

// handleGroupChangeLog implements GET /v1/groups/logs/{fromVersion},
// responding with a real signalpb.GroupChanges the way fetchGroupChanges
// does in the teacher's groups.go. GroupState is left nil on every entry,
// matching "GroupState == nil is normal" there - sigmock's change log only
// ever carries the signed Actions blob, not full group snapshots.
func (r *Router) handleGroupChangeLog(w http.ResponseWriter, req *http.Request) {
	auth, ok := zkGroupAuthFromContext(req.Context())
	if !ok {
		writeError(w, apierr.NewAuthError("missing zkgroup credential presentation"))
		return
	}
	fromVersion, err := strconv.ParseUint(req.PathValue("fromVersion"), 10, 32)
	if err != nil {
		writeError(w, apierr.NewProtocolError("invalid fromVersion"))
		return
	}
	entries, err := r.State.GroupChangeLog(req.Context(), auth.PublicKey, uint32(fromVersion))
	if err != nil {
		writeError(w, err)
		return
	}
	changes := make([]*signalpb.GroupChangeState, 0, len(entries))
	for _, e := range entries {
		changes = append(changes, &signalpb.GroupChangeState{
			GroupChange: &signalpb.GroupChange{Actions: e.SignedChangeProto},
		})
	}
	writeProtobuf(w, http.StatusOK, &signalpb.GroupChanges{GroupChanges: changes})
}

package crud

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ValentinKolb/swarmKV/lib/proto"
	"github.com/ValentinKolb/swarmKV/lib/storage"
)

// PermissionUUID is the reserved namespace holding one permission document
// per database, keyed by the database uuid. The namespace is never visible
// through the client facing operations.
const PermissionUUID = "PERMS"

// permissionData is the per-database permission document. The upper case
// json keys are protocol constants.
type permissionData struct {
	Owner          string   `json:"OWNER"`
	Writers        []string `json:"WRITERS"`
	MaxSize        uint64   `json:"MAX_SIZE"`
	EvictionPolicy string   `json:"EVICTION_POLICY"`
}

// readPerms loads the permission document of a database. A missing document
// means the database does not exist. A document that exists but cannot be
// parsed is corrupted state this node cannot recover from.
func (s *service) readPerms(dbUuid string) (*permissionData, storage.Result) {
	raw, res := s.storage.Read(PermissionUUID, dbUuid)
	if !res.OK() {
		return nil, storage.ResultDBNotFound
	}
	perms := &permissionData{}
	if err := json.Unmarshal(raw, perms); err != nil {
		panic(fmt.Sprintf("corrupted permission document for %s: %v", dbUuid, err))
	}
	return perms, storage.ResultOK
}

// writePerms persists a permission document, creating or replacing it.
func (s *service) writePerms(dbUuid string, perms *permissionData, overwrite bool) storage.Result {
	raw, err := json.Marshal(perms)
	if err != nil {
		panic(fmt.Sprintf("marshalling permission document for %s: %v", dbUuid, err))
	}
	if overwrite {
		return s.storage.Update(PermissionUUID, dbUuid, raw)
	}
	return s.storage.Create(PermissionUUID, dbUuid, raw)
}

// isOwner reports whether the caller is the owner of the database.
func (p *permissionData) isOwner(caller string) bool {
	return strings.TrimSpace(caller) == strings.TrimSpace(p.Owner)
}

// isWriter reports whether the caller may mutate the database. Swarm members
// are implicit writers so consensus driven mutations (expiration deletes)
// are never rejected.
func (s *service) isWriter(perms *permissionData, caller string) bool {
	if perms.isOwner(caller) {
		return true
	}
	trimmed := strings.TrimSpace(caller)
	for _, writer := range perms.Writers {
		if strings.TrimSpace(writer) == trimmed {
			return true
		}
	}
	if s.pbft != nil {
		for _, peer := range s.pbft.Peers().Current() {
			if peer.UUID == trimmed {
				return true
			}
		}
	}
	return false
}

// maxDatabaseSize returns the byte budget of a database, 0 meaning
// unlimited.
func (s *service) maxDatabaseSize(dbUuid string) uint64 {
	perms, res := s.readPerms(dbUuid)
	if !res.OK() {
		return 0
	}
	return perms.MaxSize
}

// swarmStorageUsage sums the MAX_SIZE of every database. This is the number
// the swarm wide storage cap is checked against, databases count with their
// reserved budget, not with their current fill.
func (s *service) swarmStorageUsage() uint64 {
	var usage uint64
	for _, dbUuid := range s.storage.GetKeys(PermissionUUID) {
		perms, res := s.readPerms(dbUuid)
		if !res.OK() {
			panic(fmt.Sprintf("permission document for %s vanished mid-scan", dbUuid))
		}
		usage += perms.MaxSize
	}
	return usage
}

// operationExceedsSpace reports whether applying the request would push the
// affected database (or the swarm wide reservation) over its byte budget.
func (s *service) operationExceedsSpace(request *proto.DatabaseMsg, perms *permissionData) bool {
	db := request.Header.DBUuid

	switch request.MsgCase {
	case proto.MsgCCreateDB:
		if s.maxSwarmStorage == 0 {
			return false
		}
		return s.swarmStorageUsage()+request.MaxSize > s.maxSwarmStorage

	case proto.MsgCUpdateDB:
		if s.maxSwarmStorage == 0 {
			return false
		}
		return s.swarmStorageUsage()-perms.MaxSize+request.MaxSize > s.maxSwarmStorage

	case proto.MsgCCreate:
		if perms.MaxSize == 0 {
			return false
		}
		_, bytes := s.storage.GetSize(db)
		return uint64(bytes)+uint64(len(request.Key)+len(request.Value)) > perms.MaxSize

	case proto.MsgCUpdate:
		if perms.MaxSize == 0 {
			return false
		}
		_, bytes := s.storage.GetSize(db)
		pending := int64(len(request.Key) + len(request.Value))
		if prev, res := s.storage.GetKeySize(db, request.Key); res.OK() {
			pending -= prev
		}
		return bytes+pending > int64(perms.MaxSize)
	}

	return false
}

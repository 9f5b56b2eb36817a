// Package proto defines the wire types exchanged between clients and swarm
// nodes: database requests, database responses and the signed envelope both
// travel in. The field and error strings are protocol constants, renaming
// them breaks compatibility with existing clients.
package proto

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Request Structure
// --------------------------------------------------------------------------

// Header carries the routing information every database message starts with.
type Header struct {
	DBUuid         string `json:"db_uuid"`                    // Target database
	Nonce          uint64 `json:"nonce,omitempty"`            // Client chosen request id, echoed in the response
	PointOfContact string `json:"point_of_contact,omitempty"` // Node uuid the client is connected to (set by that node)
}

// DatabaseMsg represents a single database request. Which payload fields are
// used depends on the message case.
type DatabaseMsg struct {
	Header  Header  `json:"header"`
	MsgCase MsgCase `json:"msg_case"`

	// Payload fields, validity depends on MsgCase
	Key            string   `json:"key,omitempty"`             // Used for: all single key operations
	Value          []byte   `json:"value,omitempty"`           // Used for: Create, Update
	Expire         uint64   `json:"expire,omitempty"`          // Used for: Create, Update, Expire (seconds, 0 = none)
	MaxSize        uint64   `json:"max_size,omitempty"`        // Used for: CreateDB, UpdateDB (bytes, 0 = unlimited)
	EvictionPolicy string   `json:"eviction_policy,omitempty"` // Used for: CreateDB, UpdateDB
	Writers        []string `json:"writers,omitempty"`         // Used for: AddWriters, RemoveWriters
}

// --------------------------------------------------------------------------
// Response Structure
// --------------------------------------------------------------------------

// DatabaseResponse is the reply to a DatabaseMsg. The header mirrors the
// request header so clients can correlate by nonce. Error holds one of the
// protocol error strings and is empty on success for cases that carry data.
type DatabaseResponse struct {
	Header  Header  `json:"header"`
	MsgCase MsgCase `json:"msg_case"`

	// Payload fields, validity depends on MsgCase
	Value          []byte   `json:"value,omitempty"`           // Used for: Read, QuickRead
	Has            bool     `json:"has,omitempty"`             // Used for: Has, HasDB
	Keys           []string `json:"keys,omitempty"`            // Used for: Keys
	KeyCount       int32    `json:"key_count,omitempty"`       // Used for: Size
	Bytes          int64    `json:"bytes,omitempty"`           // Used for: Size
	RemainingBytes int64    `json:"remaining_bytes,omitempty"` // Used for: Size
	MaxSize        uint64   `json:"max_size,omitempty"`        // Used for: Size
	Key            string   `json:"key,omitempty"`             // Used for: TTL, subscription updates
	TTL            uint64   `json:"ttl,omitempty"`             // Used for: TTL
	Owner          string   `json:"owner,omitempty"`           // Used for: Writers
	Writers        []string `json:"writers,omitempty"`         // Used for: Writers

	Err string `json:"error,omitempty"` // Protocol error string, empty on success
}

// --------------------------------------------------------------------------
// Request Factory Functions
// --------------------------------------------------------------------------

// NewCreateRequest creates a new Create request
func NewCreateRequest(dbUuid, key string, value []byte, expire uint64) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid},
		MsgCase: MsgCCreate,
		Key:     key,
		Value:   value,
		Expire:  expire,
	}
}

// NewReadRequest creates a new Read request
func NewReadRequest(dbUuid, key string) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid},
		MsgCase: MsgCRead,
		Key:     key,
	}
}

// NewQuickReadRequest creates a new QuickRead request. Quick reads bypass
// consensus and return an unsigned response.
func NewQuickReadRequest(dbUuid, key string) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid},
		MsgCase: MsgCQuickRead,
		Key:     key,
	}
}

// NewUpdateRequest creates a new Update request
func NewUpdateRequest(dbUuid, key string, value []byte, expire uint64) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid},
		MsgCase: MsgCUpdate,
		Key:     key,
		Value:   value,
		Expire:  expire,
	}
}

// NewDeleteRequest creates a new Delete request
func NewDeleteRequest(dbUuid, key string) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid},
		MsgCase: MsgCDelete,
		Key:     key,
	}
}

// NewHasRequest creates a new Has request
func NewHasRequest(dbUuid, key string) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid},
		MsgCase: MsgCHas,
		Key:     key,
	}
}

// NewKeysRequest creates a new Keys request
func NewKeysRequest(dbUuid string) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid},
		MsgCase: MsgCKeys,
	}
}

// NewSizeRequest creates a new Size request
func NewSizeRequest(dbUuid string) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid},
		MsgCase: MsgCSize,
	}
}

// NewTTLRequest creates a new TTL request
func NewTTLRequest(dbUuid, key string) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid},
		MsgCase: MsgCTTL,
		Key:     key,
	}
}

// NewPersistRequest creates a new Persist request
func NewPersistRequest(dbUuid, key string) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid},
		MsgCase: MsgCPersist,
		Key:     key,
	}
}

// NewExpireRequest creates a new Expire request
func NewExpireRequest(dbUuid, key string, expire uint64) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid},
		MsgCase: MsgCExpire,
		Key:     key,
		Expire:  expire,
	}
}

// NewSubscribeRequest creates a new Subscribe request
func NewSubscribeRequest(dbUuid, key string, nonce uint64) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid, Nonce: nonce},
		MsgCase: MsgCSubscribe,
		Key:     key,
	}
}

// NewUnsubscribeRequest creates a new Unsubscribe request
func NewUnsubscribeRequest(dbUuid, key string, nonce uint64) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid, Nonce: nonce},
		MsgCase: MsgCUnsubscribe,
		Key:     key,
	}
}

// NewCreateDBRequest creates a new CreateDB request
func NewCreateDBRequest(dbUuid string, maxSize uint64, evictionPolicy string) *DatabaseMsg {
	return &DatabaseMsg{
		Header:         Header{DBUuid: dbUuid},
		MsgCase:        MsgCCreateDB,
		MaxSize:        maxSize,
		EvictionPolicy: evictionPolicy,
	}
}

// NewUpdateDBRequest creates a new UpdateDB request
func NewUpdateDBRequest(dbUuid string, maxSize uint64, evictionPolicy string) *DatabaseMsg {
	return &DatabaseMsg{
		Header:         Header{DBUuid: dbUuid},
		MsgCase:        MsgCUpdateDB,
		MaxSize:        maxSize,
		EvictionPolicy: evictionPolicy,
	}
}

// NewDeleteDBRequest creates a new DeleteDB request
func NewDeleteDBRequest(dbUuid string) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid},
		MsgCase: MsgCDeleteDB,
	}
}

// NewHasDBRequest creates a new HasDB request
func NewHasDBRequest(dbUuid string) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid},
		MsgCase: MsgCHasDB,
	}
}

// NewWritersRequest creates a new Writers request
func NewWritersRequest(dbUuid string) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid},
		MsgCase: MsgCWriters,
	}
}

// NewAddWritersRequest creates a new AddWriters request
func NewAddWritersRequest(dbUuid string, writers []string) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid},
		MsgCase: MsgCAddWriters,
		Writers: writers,
	}
}

// NewRemoveWritersRequest creates a new RemoveWriters request
func NewRemoveWritersRequest(dbUuid string, writers []string) *DatabaseMsg {
	return &DatabaseMsg{
		Header:  Header{DBUuid: dbUuid},
		MsgCase: MsgCRemoveWriters,
		Writers: writers,
	}
}

// NewNullRequest creates a new Null request. Null messages are consensus
// no-ops used to fill sequence gaps during view changes.
func NewNullRequest() *DatabaseMsg {
	return &DatabaseMsg{MsgCase: MsgCNull}
}

// --------------------------------------------------------------------------
// Response Factory Functions
// --------------------------------------------------------------------------

// NewResponse creates a response for the given request with the request
// header echoed back. The error string is empty for "ok".
func NewResponse(request *DatabaseMsg, errMsg string) *DatabaseResponse {
	resp := &DatabaseResponse{
		Header:  request.Header,
		MsgCase: request.MsgCase,
	}
	if errMsg != "ok" {
		resp.Err = errMsg
	}
	return resp
}

// NewErrorResponse creates an error response carrying one of the protocol
// error strings.
func NewErrorResponse(request *DatabaseMsg, errMsg string) *DatabaseResponse {
	return &DatabaseResponse{
		Header:  request.Header,
		MsgCase: request.MsgCase,
		Err:     errMsg,
	}
}

// --------------------------------------------------------------------------
// Message Case Definition
// --------------------------------------------------------------------------

// MsgCase identifies the variant of a DatabaseMsg or DatabaseResponse.
type MsgCase uint8

const (
	MsgCUnknown MsgCase = iota
	MsgCCreate
	MsgCRead
	MsgCUpdate
	MsgCDelete
	MsgCHas
	MsgCKeys
	MsgCSize
	MsgCSubscribe
	MsgCUnsubscribe
	MsgCCreateDB
	MsgCUpdateDB
	MsgCDeleteDB
	MsgCHasDB
	MsgCWriters
	MsgCAddWriters
	MsgCRemoveWriters
	MsgCQuickRead
	MsgCTTL
	MsgCPersist
	MsgCExpire
	MsgCNull
)

var msgCaseNames = map[MsgCase]string{
	MsgCCreate:        "create",
	MsgCRead:          "read",
	MsgCUpdate:        "update",
	MsgCDelete:        "delete",
	MsgCHas:           "has",
	MsgCKeys:          "keys",
	MsgCSize:          "size",
	MsgCSubscribe:     "subscribe",
	MsgCUnsubscribe:   "unsubscribe",
	MsgCCreateDB:      "create_db",
	MsgCUpdateDB:      "update_db",
	MsgCDeleteDB:      "delete_db",
	MsgCHasDB:         "has_db",
	MsgCWriters:       "writers",
	MsgCAddWriters:    "add_writers",
	MsgCRemoveWriters: "remove_writers",
	MsgCQuickRead:     "quick_read",
	MsgCTTL:           "ttl",
	MsgCPersist:       "persist",
	MsgCExpire:        "expire",
	MsgCNull:          "nullmsg",
}

// String returns the string representation of a MsgCase.
func (c MsgCase) String() string {
	if name, ok := msgCaseNames[c]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for MsgCase.
// This allows MsgCase to be serialized as a string in JSON.
func (c MsgCase) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MsgCase.
// This allows MsgCase to be deserialized from a string in JSON.
func (c *MsgCase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for candidate, name := range msgCaseNames {
		if name == s {
			*c = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown message case: %s", s)
}

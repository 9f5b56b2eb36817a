package proto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Envelope Structure
// --------------------------------------------------------------------------

// Envelope is the outer wire frame every message travels in. It names the
// sender and optionally carries a signature over the payload. Exactly one
// payload field is set, indicated by PayloadCase.
type Envelope struct {
	Sender    string      `json:"sender"`
	Signature []byte      `json:"signature,omitempty"`
	Timestamp uint64      `json:"timestamp,omitempty"`
	Case      PayloadCase `json:"payload_case"`

	DatabaseMsg      *DatabaseMsg      `json:"database_msg,omitempty"`
	DatabaseResponse *DatabaseResponse `json:"database_response,omitempty"`
	PbftMsg          *PbftMsg          `json:"pbft_msg,omitempty"`
	StatusRequest    *StatusRequest    `json:"status_request,omitempty"`
	StatusResponse   *StatusResponse   `json:"status_response,omitempty"`
}

// NewDatabaseMsgEnvelope wraps a database request for the wire.
func NewDatabaseMsgEnvelope(sender string, msg *DatabaseMsg) *Envelope {
	return &Envelope{
		Sender:      sender,
		Case:        PayloadCDatabaseMsg,
		DatabaseMsg: msg,
	}
}

// NewDatabaseResponseEnvelope wraps a database response for the wire.
func NewDatabaseResponseEnvelope(sender string, resp *DatabaseResponse) *Envelope {
	return &Envelope{
		Sender:           sender,
		Case:             PayloadCDatabaseResponse,
		DatabaseResponse: resp,
	}
}

// NewPbftMsgEnvelope wraps a consensus message for the wire.
func NewPbftMsgEnvelope(sender string, msg *PbftMsg) *Envelope {
	return &Envelope{
		Sender:  sender,
		Case:    PayloadCPbftMsg,
		PbftMsg: msg,
	}
}

// Hash returns the hex encoded sha256 over the canonical (JSON) encoding of
// the envelope payload without the signature and without routing metadata.
// The point of contact is set by whichever node the client happens to reach,
// so it must not influence the hash: every replica has to derive the same
// hash for the same request.
func (e *Envelope) Hash() string {
	stripped := *e
	stripped.Signature = nil
	if stripped.DatabaseMsg != nil && stripped.DatabaseMsg.Header.PointOfContact != "" {
		msg := *stripped.DatabaseMsg
		msg.Header.PointOfContact = ""
		stripped.DatabaseMsg = &msg
	}
	data, err := json.Marshal(&stripped)
	if err != nil {
		// all payload types are plain data structs, this cannot fail
		panic(fmt.Sprintf("envelope hash: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// --------------------------------------------------------------------------
// Payload Case Definition
// --------------------------------------------------------------------------

// PayloadCase identifies which payload field of an Envelope is set.
type PayloadCase uint8

const (
	PayloadCUnknown PayloadCase = iota
	PayloadCDatabaseMsg
	PayloadCDatabaseResponse
	PayloadCPbftMsg
	PayloadCStatusRequest
	PayloadCStatusResponse
)

var payloadCaseNames = map[PayloadCase]string{
	PayloadCDatabaseMsg:      "database_msg",
	PayloadCDatabaseResponse: "database_response",
	PayloadCPbftMsg:          "pbft_msg",
	PayloadCStatusRequest:    "status_request",
	PayloadCStatusResponse:   "status_response",
}

// String returns the string representation of a PayloadCase.
func (c PayloadCase) String() string {
	if name, ok := payloadCaseNames[c]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for PayloadCase.
func (c PayloadCase) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for PayloadCase.
func (c *PayloadCase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for candidate, name := range payloadCaseNames {
		if name == s {
			*c = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown payload case: %s", s)
}

// --------------------------------------------------------------------------
// Consensus Messages
// --------------------------------------------------------------------------

// PbftMsgType names the consensus protocol phase a PbftMsg belongs to.
type PbftMsgType string

const (
	PbftMTPrePrepare PbftMsgType = "preprepare"
	PbftMTPrepare    PbftMsgType = "prepare"
	PbftMTCommit     PbftMsgType = "commit"
	PbftMTCheckpoint PbftMsgType = "checkpoint"
	PbftMTViewChange PbftMsgType = "viewchange"
	PbftMTNewView    PbftMsgType = "newview"
)

// PbftMsg is a consensus protocol message. View, Sequence and RequestHash
// identify the operation slot the message belongs to. The client request an
// operation orders travels separately (as a DatabaseMsg envelope) and is
// referenced by its hash.
type PbftMsg struct {
	Type        PbftMsgType `json:"type"`
	View        uint64      `json:"view"`
	Sequence    uint64      `json:"sequence"`
	RequestHash string      `json:"request_hash,omitempty"`
	Sender      string      `json:"sender,omitempty"`
}

// --------------------------------------------------------------------------
// Status Messages
// --------------------------------------------------------------------------

// StatusRequest asks a node for its status summary. The nonce is chosen by
// the client and echoed in the response for correlation.
type StatusRequest struct {
	Nonce uint64 `json:"nonce,omitempty"`
}

// StatusResponse is the aggregated status of a single node.
type StatusResponse struct {
	Nonce          uint64          `json:"nonce,omitempty"`
	SwarmVersion   string          `json:"swarm_version"`
	SwarmGitCommit string          `json:"swarm_git_commit,omitempty"`
	Uptime         string          `json:"uptime"`
	PbftEnabled    bool            `json:"pbft_enabled"`
	ModuleStatus   json.RawMessage `json:"module_status,omitempty"`
}

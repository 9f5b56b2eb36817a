package serializer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/swarmKV/lib/proto"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IEnvelopeSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IEnvelopeSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional envelope fields are present
const (
	hasSignature byte = 1 << 0
	hasTimestamp byte = 1 << 1
)

// Bit flags for the optional DatabaseMsg fields
const (
	msgHasNonce          byte = 1 << 0
	msgHasPointOfContact byte = 1 << 1
	msgHasKey            byte = 1 << 2
	msgHasValue          byte = 1 << 3
	msgHasExpire         byte = 1 << 4
	msgHasMaxSize        byte = 1 << 5
	msgHasEvictionPolicy byte = 1 << 6
	msgHasWriters        byte = 1 << 7
)

// Bit flags for the optional DatabaseResponse fields
const (
	respHasNonce          uint16 = 1 << 0
	respHasPointOfContact uint16 = 1 << 1
	respHasValue          uint16 = 1 << 2
	respHasHas            uint16 = 1 << 3
	respHasKeys           uint16 = 1 << 4
	respHasKeyCount       uint16 = 1 << 5
	respHasBytes          uint16 = 1 << 6
	respHasRemainingBytes uint16 = 1 << 7
	respHasMaxSize        uint16 = 1 << 8
	respHasKey            uint16 = 1 << 9
	respHasTTL            uint16 = 1 << 10
	respHasOwner          uint16 = 1 << 11
	respHasWriters        uint16 = 1 << 12
	respHasErr            uint16 = 1 << 13
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IEnvelopeSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(env *proto.Envelope) ([]byte, error) {
	// Envelope header: payload case, flags, sender
	buf := make([]byte, 0, 64+len(env.Sender)+len(env.Signature))
	buf = append(buf, byte(env.Case))

	var flags byte
	if env.Signature != nil {
		flags |= hasSignature
	}
	if env.Timestamp > 0 {
		flags |= hasTimestamp
	}
	buf = append(buf, flags)
	buf = appendString(buf, env.Sender)

	if env.Signature != nil {
		buf = appendBytes(buf, env.Signature)
	}
	if env.Timestamp > 0 {
		buf = appendUint64(buf, env.Timestamp)
	}

	// Payload: exactly one body follows, selected by the case byte
	switch env.Case {
	case proto.PayloadCDatabaseMsg:
		if env.DatabaseMsg == nil {
			return nil, fmt.Errorf("envelope case %s carries no database message", env.Case)
		}
		buf = appendDatabaseMsg(buf, env.DatabaseMsg)
	case proto.PayloadCDatabaseResponse:
		if env.DatabaseResponse == nil {
			return nil, fmt.Errorf("envelope case %s carries no database response", env.Case)
		}
		buf = appendDatabaseResponse(buf, env.DatabaseResponse)
	case proto.PayloadCPbftMsg:
		if env.PbftMsg == nil {
			return nil, fmt.Errorf("envelope case %s carries no consensus message", env.Case)
		}
		buf = appendPbftMsg(buf, env.PbftMsg)
	case proto.PayloadCStatusRequest:
		if env.StatusRequest == nil {
			return nil, fmt.Errorf("envelope case %s carries no status request", env.Case)
		}
		buf = appendUint64(buf, env.StatusRequest.Nonce)
	case proto.PayloadCStatusResponse:
		if env.StatusResponse == nil {
			return nil, fmt.Errorf("envelope case %s carries no status response", env.Case)
		}
		buf = appendStatusResponse(buf, env.StatusResponse)
	default:
		return nil, fmt.Errorf("cannot serialize envelope with payload case %d", env.Case)
	}

	return buf, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, env *proto.Envelope) error {
	r := &reader{data: data}

	*env = proto.Envelope{}
	env.Case = proto.PayloadCase(r.readByte("payload case"))
	flags := r.readByte("envelope flags")
	env.Sender = r.readString("sender")

	if flags&hasSignature != 0 {
		env.Signature = r.readBytes("signature")
	}
	if flags&hasTimestamp != 0 {
		env.Timestamp = r.readUint64("timestamp")
	}
	if r.err != nil {
		return r.err
	}

	switch env.Case {
	case proto.PayloadCDatabaseMsg:
		env.DatabaseMsg = readDatabaseMsg(r)
	case proto.PayloadCDatabaseResponse:
		env.DatabaseResponse = readDatabaseResponse(r)
	case proto.PayloadCPbftMsg:
		env.PbftMsg = readPbftMsg(r)
	case proto.PayloadCStatusRequest:
		env.StatusRequest = &proto.StatusRequest{Nonce: r.readUint64("status nonce")}
	case proto.PayloadCStatusResponse:
		env.StatusResponse = readStatusResponse(r)
	default:
		return fmt.Errorf("cannot deserialize envelope with payload case %d", env.Case)
	}
	return r.err
}

// --------------------------------------------------------------------------
// Payload Encoding
// --------------------------------------------------------------------------

func appendDatabaseMsg(buf []byte, msg *proto.DatabaseMsg) []byte {
	buf = append(buf, byte(msg.MsgCase))

	var flags byte
	if msg.Header.Nonce > 0 {
		flags |= msgHasNonce
	}
	if msg.Header.PointOfContact != "" {
		flags |= msgHasPointOfContact
	}
	if msg.Key != "" {
		flags |= msgHasKey
	}
	if msg.Value != nil {
		flags |= msgHasValue
	}
	if msg.Expire > 0 {
		flags |= msgHasExpire
	}
	if msg.MaxSize > 0 {
		flags |= msgHasMaxSize
	}
	if msg.EvictionPolicy != "" {
		flags |= msgHasEvictionPolicy
	}
	if msg.Writers != nil {
		flags |= msgHasWriters
	}
	buf = append(buf, flags)
	buf = appendString(buf, msg.Header.DBUuid)

	if flags&msgHasNonce != 0 {
		buf = appendUint64(buf, msg.Header.Nonce)
	}
	if flags&msgHasPointOfContact != 0 {
		buf = appendString(buf, msg.Header.PointOfContact)
	}
	if flags&msgHasKey != 0 {
		buf = appendString(buf, msg.Key)
	}
	if flags&msgHasValue != 0 {
		buf = appendBytes(buf, msg.Value)
	}
	if flags&msgHasExpire != 0 {
		buf = appendUint64(buf, msg.Expire)
	}
	if flags&msgHasMaxSize != 0 {
		buf = appendUint64(buf, msg.MaxSize)
	}
	if flags&msgHasEvictionPolicy != 0 {
		buf = appendString(buf, msg.EvictionPolicy)
	}
	if flags&msgHasWriters != 0 {
		buf = appendStringSlice(buf, msg.Writers)
	}
	return buf
}

func readDatabaseMsg(r *reader) *proto.DatabaseMsg {
	msg := &proto.DatabaseMsg{}
	msg.MsgCase = proto.MsgCase(r.readByte("msg case"))
	flags := r.readByte("msg flags")
	msg.Header.DBUuid = r.readString("db uuid")

	if flags&msgHasNonce != 0 {
		msg.Header.Nonce = r.readUint64("nonce")
	}
	if flags&msgHasPointOfContact != 0 {
		msg.Header.PointOfContact = r.readString("point of contact")
	}
	if flags&msgHasKey != 0 {
		msg.Key = r.readString("key")
	}
	if flags&msgHasValue != 0 {
		msg.Value = r.readBytes("value")
	}
	if flags&msgHasExpire != 0 {
		msg.Expire = r.readUint64("expire")
	}
	if flags&msgHasMaxSize != 0 {
		msg.MaxSize = r.readUint64("max size")
	}
	if flags&msgHasEvictionPolicy != 0 {
		msg.EvictionPolicy = r.readString("eviction policy")
	}
	if flags&msgHasWriters != 0 {
		msg.Writers = r.readStringSlice("writers")
	}
	return msg
}

func appendDatabaseResponse(buf []byte, resp *proto.DatabaseResponse) []byte {
	buf = append(buf, byte(resp.MsgCase))

	var flags uint16
	if resp.Header.Nonce > 0 {
		flags |= respHasNonce
	}
	if resp.Header.PointOfContact != "" {
		flags |= respHasPointOfContact
	}
	if resp.Value != nil {
		flags |= respHasValue
	}
	if resp.Has {
		flags |= respHasHas
	}
	if resp.Keys != nil {
		flags |= respHasKeys
	}
	if resp.KeyCount > 0 {
		flags |= respHasKeyCount
	}
	if resp.Bytes > 0 {
		flags |= respHasBytes
	}
	if resp.RemainingBytes > 0 {
		flags |= respHasRemainingBytes
	}
	if resp.MaxSize > 0 {
		flags |= respHasMaxSize
	}
	if resp.Key != "" {
		flags |= respHasKey
	}
	if resp.TTL > 0 {
		flags |= respHasTTL
	}
	if resp.Owner != "" {
		flags |= respHasOwner
	}
	if resp.Writers != nil {
		flags |= respHasWriters
	}
	if resp.Err != "" {
		flags |= respHasErr
	}
	buf = binary.BigEndian.AppendUint16(buf, flags)
	buf = appendString(buf, resp.Header.DBUuid)

	if flags&respHasNonce != 0 {
		buf = appendUint64(buf, resp.Header.Nonce)
	}
	if flags&respHasPointOfContact != 0 {
		buf = appendString(buf, resp.Header.PointOfContact)
	}
	if flags&respHasValue != 0 {
		buf = appendBytes(buf, resp.Value)
	}
	if flags&respHasKeys != 0 {
		buf = appendStringSlice(buf, resp.Keys)
	}
	if flags&respHasKeyCount != 0 {
		buf = binary.BigEndian.AppendUint32(buf, uint32(resp.KeyCount))
	}
	if flags&respHasBytes != 0 {
		buf = appendUint64(buf, uint64(resp.Bytes))
	}
	if flags&respHasRemainingBytes != 0 {
		buf = appendUint64(buf, uint64(resp.RemainingBytes))
	}
	if flags&respHasMaxSize != 0 {
		buf = appendUint64(buf, resp.MaxSize)
	}
	if flags&respHasKey != 0 {
		buf = appendString(buf, resp.Key)
	}
	if flags&respHasTTL != 0 {
		buf = appendUint64(buf, resp.TTL)
	}
	if flags&respHasOwner != 0 {
		buf = appendString(buf, resp.Owner)
	}
	if flags&respHasWriters != 0 {
		buf = appendStringSlice(buf, resp.Writers)
	}
	if flags&respHasErr != 0 {
		buf = appendString(buf, resp.Err)
	}
	return buf
}

func readDatabaseResponse(r *reader) *proto.DatabaseResponse {
	resp := &proto.DatabaseResponse{}
	resp.MsgCase = proto.MsgCase(r.readByte("msg case"))
	flags := r.readUint16("response flags")
	resp.Header.DBUuid = r.readString("db uuid")

	resp.Has = flags&respHasHas != 0
	if flags&respHasNonce != 0 {
		resp.Header.Nonce = r.readUint64("nonce")
	}
	if flags&respHasPointOfContact != 0 {
		resp.Header.PointOfContact = r.readString("point of contact")
	}
	if flags&respHasValue != 0 {
		resp.Value = r.readBytes("value")
	}
	if flags&respHasKeys != 0 {
		resp.Keys = r.readStringSlice("keys")
	}
	if flags&respHasKeyCount != 0 {
		resp.KeyCount = int32(r.readUint32("key count"))
	}
	if flags&respHasBytes != 0 {
		resp.Bytes = int64(r.readUint64("bytes"))
	}
	if flags&respHasRemainingBytes != 0 {
		resp.RemainingBytes = int64(r.readUint64("remaining bytes"))
	}
	if flags&respHasMaxSize != 0 {
		resp.MaxSize = r.readUint64("max size")
	}
	if flags&respHasKey != 0 {
		resp.Key = r.readString("key")
	}
	if flags&respHasTTL != 0 {
		resp.TTL = r.readUint64("ttl")
	}
	if flags&respHasOwner != 0 {
		resp.Owner = r.readString("owner")
	}
	if flags&respHasWriters != 0 {
		resp.Writers = r.readStringSlice("writers")
	}
	if flags&respHasErr != 0 {
		resp.Err = r.readString("error")
	}
	return resp
}

func appendPbftMsg(buf []byte, msg *proto.PbftMsg) []byte {
	buf = appendString(buf, string(msg.Type))
	buf = appendUint64(buf, msg.View)
	buf = appendUint64(buf, msg.Sequence)
	buf = appendString(buf, msg.RequestHash)
	buf = appendString(buf, msg.Sender)
	return buf
}

func readPbftMsg(r *reader) *proto.PbftMsg {
	return &proto.PbftMsg{
		Type:        proto.PbftMsgType(r.readString("pbft type")),
		View:        r.readUint64("view"),
		Sequence:    r.readUint64("sequence"),
		RequestHash: r.readString("request hash"),
		Sender:      r.readString("pbft sender"),
	}
}

func appendStatusResponse(buf []byte, resp *proto.StatusResponse) []byte {
	buf = appendUint64(buf, resp.Nonce)
	buf = appendString(buf, resp.SwarmVersion)
	buf = appendString(buf, resp.SwarmGitCommit)
	buf = appendString(buf, resp.Uptime)
	if resp.PbftEnabled {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendBytes(buf, resp.ModuleStatus)
	return buf
}

func readStatusResponse(r *reader) *proto.StatusResponse {
	resp := &proto.StatusResponse{
		Nonce:          r.readUint64("status nonce"),
		SwarmVersion:   r.readString("swarm version"),
		SwarmGitCommit: r.readString("git commit"),
		Uptime:         r.readString("uptime"),
		PbftEnabled:    r.readByte("pbft enabled") != 0,
	}
	if module := r.readBytes("module status"); len(module) > 0 {
		resp.ModuleStatus = json.RawMessage(module)
	}
	return resp
}

// --------------------------------------------------------------------------
// Primitive Encoding
// --------------------------------------------------------------------------

func appendUint64(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

// appendString writes a 4 byte length prefix followed by the string data
func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// appendBytes writes a 4 byte length prefix followed by the raw data
func appendBytes(buf []byte, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// appendStringSlice writes a 4 byte element count followed by the elements
func appendStringSlice(buf []byte, ss []string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(ss)))
	for _, s := range ss {
		buf = appendString(buf, s)
	}
	return buf
}

// reader walks a serialized buffer with bounds checking. The first failed
// read latches the error, subsequent reads return zero values.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) fail(field string) {
	if r.err == nil {
		r.err = fmt.Errorf("data too short for %s", field)
	}
}

func (r *reader) readByte(field string) byte {
	if r.err != nil || r.pos+1 > len(r.data) {
		r.fail(field)
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *reader) readUint16(field string) uint16 {
	if r.err != nil || r.pos+2 > len(r.data) {
		r.fail(field)
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.pos : r.pos+2])
	r.pos += 2
	return v
}

func (r *reader) readUint32(field string) uint32 {
	if r.err != nil || r.pos+4 > len(r.data) {
		r.fail(field)
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v
}

func (r *reader) readUint64(field string) uint64 {
	if r.err != nil || r.pos+8 > len(r.data) {
		r.fail(field)
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return v
}

func (r *reader) readString(field string) string {
	length := int(r.readUint32(field))
	if r.err != nil || r.pos+length > len(r.data) {
		r.fail(field)
		return ""
	}
	v := string(r.data[r.pos : r.pos+length])
	r.pos += length
	return v
}

func (r *reader) readBytes(field string) []byte {
	length := int(r.readUint32(field))
	if r.err != nil || r.pos+length > len(r.data) {
		r.fail(field)
		return nil
	}
	v := make([]byte, length)
	copy(v, r.data[r.pos:r.pos+length])
	r.pos += length
	return v
}

func (r *reader) readStringSlice(field string) []string {
	count := int(r.readUint32(field))
	if r.err != nil {
		return nil
	}
	// every element carries at least its length prefix
	if count*4 > len(r.data)-r.pos {
		r.fail(field)
		return nil
	}
	// an empty slice is still a present slice, nil only when absent
	ss := make([]string, 0, count)
	for i := 0; i < count; i++ {
		ss = append(ss, r.readString(field))
		if r.err != nil {
			return nil
		}
	}
	return ss
}

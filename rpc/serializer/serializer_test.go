package serializer

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/ValentinKolb/swarmKV/lib/proto"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IEnvelopeSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testEnvelopes creates a set of envelopes covering every payload case with
// different fields filled
func testEnvelopes() []*proto.Envelope {
	return []*proto.Envelope{
		// Create request with payload fields
		{
			Sender: "client-1",
			Case:   proto.PayloadCDatabaseMsg,
			DatabaseMsg: &proto.DatabaseMsg{
				Header:  proto.Header{DBUuid: "db-1", Nonce: 42},
				MsgCase: proto.MsgCCreate,
				Key:     "test-key",
				Value:   []byte("test-value"),
				Expire:  60,
			},
		},

		// Minimal quick read
		{
			Sender:      "client-1",
			Case:        proto.PayloadCDatabaseMsg,
			DatabaseMsg: proto.NewQuickReadRequest("db-1", "test-key"),
		},

		// Database creation with size budget and eviction policy
		{
			Sender: "client-2",
			Case:   proto.PayloadCDatabaseMsg,
			DatabaseMsg: &proto.DatabaseMsg{
				Header:         proto.Header{DBUuid: "db-2", PointOfContact: "node-1"},
				MsgCase:        proto.MsgCCreateDB,
				MaxSize:        1 << 20,
				EvictionPolicy: "volatile_ttl",
			},
		},

		// Writer change with a writer list
		{
			Sender: "client-2",
			Case:   proto.PayloadCDatabaseMsg,
			DatabaseMsg: &proto.DatabaseMsg{
				Header:  proto.Header{DBUuid: "db-2"},
				MsgCase: proto.MsgCAddWriters,
				Writers: []string{"alice", "bob"},
			},
		},

		// Read response carrying a value
		{
			Sender: "node-1",
			Case:   proto.PayloadCDatabaseResponse,
			DatabaseResponse: &proto.DatabaseResponse{
				Header:  proto.Header{DBUuid: "db-1", Nonce: 42},
				MsgCase: proto.MsgCRead,
				Value:   []byte("test-value"),
			},
		},

		// Error response
		{
			Sender: "node-1",
			Case:   proto.PayloadCDatabaseResponse,
			DatabaseResponse: &proto.DatabaseResponse{
				Header:  proto.Header{DBUuid: "db-1"},
				MsgCase: proto.MsgCRead,
				Err:     "db_not_found",
			},
		},

		// Size response with counters
		{
			Sender: "node-1",
			Case:   proto.PayloadCDatabaseResponse,
			DatabaseResponse: &proto.DatabaseResponse{
				Header:         proto.Header{DBUuid: "db-2"},
				MsgCase:        proto.MsgCSize,
				KeyCount:       17,
				Bytes:          4096,
				RemainingBytes: 1044480,
				MaxSize:        1 << 20,
			},
		},

		// Response with every list field filled
		{
			Sender: "node-1",
			Case:   proto.PayloadCDatabaseResponse,
			DatabaseResponse: &proto.DatabaseResponse{
				Header:  proto.Header{DBUuid: "db-2", Nonce: 7, PointOfContact: "node-2"},
				MsgCase: proto.MsgCWriters,
				Has:     true,
				Keys:    []string{"k1", "k2", "k3"},
				Key:     "k1",
				TTL:     30,
				Owner:   "owner",
				Writers: []string{"alice", "bob"},
			},
		},

		// Signed consensus message
		{
			Sender:    "node-1",
			Signature: []byte{0xde, 0xad, 0xbe, 0xef},
			Timestamp: 1700000000,
			Case:      proto.PayloadCPbftMsg,
			PbftMsg: &proto.PbftMsg{
				Type:        proto.PbftMTPrePrepare,
				View:        1,
				Sequence:    99,
				RequestHash: "a1b2c3",
				Sender:      "node-1",
			},
		},

		// Status roundtrip
		{
			Sender:        "client-3",
			Case:          proto.PayloadCStatusRequest,
			StatusRequest: &proto.StatusRequest{Nonce: 8},
		},
		{
			Sender: "node-1",
			Case:   proto.PayloadCStatusResponse,
			StatusResponse: &proto.StatusResponse{
				SwarmVersion:   "1.2.3",
				SwarmGitCommit: "abcdef",
				Uptime:         "1h2m3s",
				PbftEnabled:    true,
				ModuleStatus:   json.RawMessage(`{"crud":{"databases":3}}`),
			},
		},
	}
}

// TestSerializerRoundTrip tests that envelopes can be serialized and
// deserialized correctly with every implementation
func TestSerializerRoundTrip(t *testing.T) {
	envelopes := testEnvelopes()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, env := range envelopes {
				data, err := serializer.Serialize(env)
				if err != nil {
					t.Errorf("Failed to serialize envelope %d: %v", i, err)
					continue
				}

				var result proto.Envelope
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Errorf("Failed to deserialize envelope %d: %v", i, err)
					continue
				}

				if !reflect.DeepEqual(env, &result) {
					t.Errorf("Envelope %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, env, &result)
				}
			}
		})
	}
}

// TestRoundTripPreservesHash verifies that the envelope hash survives every
// serializer, it is the identity consensus correlates requests by
func TestRoundTripPreservesHash(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, env := range testEnvelopes() {
				data, err := serializer.Serialize(env)
				if err != nil {
					t.Fatalf("Failed to serialize envelope %d: %v", i, err)
				}
				var result proto.Envelope
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Fatalf("Failed to deserialize envelope %d: %v", i, err)
				}
				if env.Hash() != result.Hash() {
					t.Errorf("Envelope %d changed its hash after the round trip", i)
				}
			}
		})
	}
}

// TestBinarySerializerSpecific tests edge cases of the binary format around
// empty and zero values
func TestBinarySerializerSpecific(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name string
		env  *proto.Envelope
	}{
		{
			name: "Status request without optional envelope fields",
			env: &proto.Envelope{
				Sender:        "client",
				Case:          proto.PayloadCStatusRequest,
				StatusRequest: &proto.StatusRequest{},
			},
		},
		{
			name: "Empty but non-nil value",
			env: &proto.Envelope{
				Sender: "client",
				Case:   proto.PayloadCDatabaseMsg,
				DatabaseMsg: &proto.DatabaseMsg{
					Header:  proto.Header{DBUuid: "db"},
					MsgCase: proto.MsgCCreate,
					Key:     "k",
					Value:   []byte{},
				},
			},
		},
		{
			name: "Empty but non-nil writer list",
			env: &proto.Envelope{
				Sender: "client",
				Case:   proto.PayloadCDatabaseMsg,
				DatabaseMsg: &proto.DatabaseMsg{
					Header:  proto.Header{DBUuid: "db"},
					MsgCase: proto.MsgCRemoveWriters,
					Writers: []string{},
				},
			},
		},
		{
			name: "Has flag as the only payload field",
			env: &proto.Envelope{
				Sender: "node",
				Case:   proto.PayloadCDatabaseResponse,
				DatabaseResponse: &proto.DatabaseResponse{
					Header:  proto.Header{DBUuid: "db"},
					MsgCase: proto.MsgCHas,
					Has:     true,
				},
			},
		},
		{
			name: "Empty but non-nil signature",
			env: &proto.Envelope{
				Sender:    "node",
				Signature: []byte{},
				Case:      proto.PayloadCPbftMsg,
				PbftMsg:   &proto.PbftMsg{Type: proto.PbftMTCommit, View: 1, Sequence: 1},
			},
		},
		{
			name: "Status response with zero values",
			env: &proto.Envelope{
				Sender:         "node",
				Case:           proto.PayloadCStatusResponse,
				StatusResponse: &proto.StatusResponse{},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := serializer.Serialize(tc.env)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			var result proto.Envelope
			if err := serializer.Deserialize(data, &result); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}

			if !reflect.DeepEqual(tc.env, &result) {
				t.Errorf("Envelope doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
					tc.env, &result)
			}
		})
	}
}

// TestSerializeRejectsMissingPayload verifies that an envelope whose case
// does not match its payload pointer is refused instead of encoded broken
func TestSerializeRejectsMissingPayload(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []*proto.Envelope{
		{Sender: "x", Case: proto.PayloadCDatabaseMsg},
		{Sender: "x", Case: proto.PayloadCDatabaseResponse},
		{Sender: "x", Case: proto.PayloadCPbftMsg},
		{Sender: "x", Case: proto.PayloadCStatusRequest},
		{Sender: "x", Case: proto.PayloadCStatusResponse},
		{Sender: "x", Case: proto.PayloadCUnknown},
	}

	for _, env := range testCases {
		if _, err := serializer.Serialize(env); err == nil {
			t.Errorf("Serializing case %s without payload succeeded", env.Case)
		}
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or
// truncated data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Payload case only",
			data:        []byte{byte(proto.PayloadCStatusRequest)},
			expectError: true,
		},
		{
			name:        "Missing sender",
			data:        []byte{byte(proto.PayloadCStatusRequest), 0},
			expectError: true,
		},
		{
			name: "Minimal status request",
			data: []byte{byte(proto.PayloadCStatusRequest), 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		},
		{
			name:        "Status request without nonce",
			data:        []byte{byte(proto.PayloadCStatusRequest), 0, 0, 0, 0, 0},
			expectError: true,
		},
		{
			name:        "Sender length exceeds data",
			data:        []byte{byte(proto.PayloadCStatusRequest), 0, 0, 0, 0, 5, 'a', 'b', 'c'},
			expectError: true,
		},
		{
			name:        "Unknown payload case",
			data:        []byte{0xff, 0, 0, 0, 0, 0},
			expectError: true,
		},
		{
			name:        "Signature flag without signature",
			data:        []byte{byte(proto.PayloadCStatusRequest), hasSignature, 0, 0, 0, 0},
			expectError: true,
		},
		{
			name:        "Truncated database message body",
			data:        []byte{byte(proto.PayloadCDatabaseMsg), 0, 0, 0, 0, 1, 'x'},
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var env proto.Envelope
			err := serializer.Deserialize(tc.data, &env)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}

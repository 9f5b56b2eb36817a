package proto

import "testing"

func TestHashIgnoresSignature(t *testing.T) {
	env := NewDatabaseMsgEnvelope("client", NewCreateRequest("db", "k", []byte("v"), 0))
	unsigned := env.Hash()

	env.Signature = []byte("sig")
	if env.Hash() != unsigned {
		t.Error("signing the envelope changed its hash")
	}
}

func TestHashIgnoresPointOfContact(t *testing.T) {
	env := NewDatabaseMsgEnvelope("client", NewCreateRequest("db", "k", []byte("v"), 0))
	direct := env.Hash()

	env.DatabaseMsg.Header.PointOfContact = "node-1"
	if env.Hash() != direct {
		t.Error("setting the point of contact changed the hash")
	}
	if env.DatabaseMsg.Header.PointOfContact != "node-1" {
		t.Error("hashing stripped the point of contact from the envelope")
	}
}

func TestHashDistinguishesPayloads(t *testing.T) {
	a := NewDatabaseMsgEnvelope("client", NewCreateRequest("db", "k", []byte("v"), 0))
	b := NewDatabaseMsgEnvelope("client", NewCreateRequest("db", "k", []byte("w"), 0))
	if a.Hash() == b.Hash() {
		t.Error("different payloads hash identically")
	}

	c := NewDatabaseMsgEnvelope("other", NewCreateRequest("db", "k", []byte("v"), 0))
	if a.Hash() == c.Hash() {
		t.Error("different senders hash identically")
	}
}

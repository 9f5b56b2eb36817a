package subscription

import (
	"errors"
	"testing"

	"github.com/ValentinKolb/swarmKV/lib/proto"
)

// fakeSession records every envelope it is handed.
type fakeSession struct {
	envelopes []*proto.Envelope
	closed    bool
	sendErr   error
}

func (s *fakeSession) SendMessage(env *proto.Envelope) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.envelopes = append(s.envelopes, env)
	return nil
}

func (s *fakeSession) IsOpen() bool { return !s.closed }

func mutation(msgCase proto.MsgCase, db, key string, value []byte) *proto.DatabaseMsg {
	return &proto.DatabaseMsg{
		Header:  proto.Header{DBUuid: db},
		MsgCase: msgCase,
		Key:     key,
		Value:   value,
	}
}

// TestNotifySubscriber checks that a committed mutation reaches the session
// registered for its key, tagged with the subscription nonce.
func TestNotifySubscriber(t *testing.T) {
	m := NewManager("node-a")
	session := &fakeSession{}

	m.Subscribe("db", "watched", 42, session)

	m.InspectCommit(mutation(proto.MsgCUpdate, "db", "watched", []byte("v1")))

	if len(session.envelopes) != 1 {
		t.Fatalf("got %d notifications, want 1", len(session.envelopes))
	}

	resp := session.envelopes[0].DatabaseResponse
	if resp == nil {
		t.Fatal("notification envelope carries no database response")
	}
	if resp.Header.Nonce != 42 {
		t.Errorf("notification nonce = %d, want 42", resp.Header.Nonce)
	}
	if resp.MsgCase != proto.MsgCUpdate {
		t.Errorf("notification case = %s, want update", resp.MsgCase)
	}
	if string(resp.Value) != "v1" {
		t.Errorf("notification value = %q, want v1", resp.Value)
	}
}

// TestNotificationScope checks that other keys and other databases stay
// quiet.
func TestNotificationScope(t *testing.T) {
	m := NewManager("node-a")
	session := &fakeSession{}

	m.Subscribe("db", "watched", 1, session)

	m.InspectCommit(mutation(proto.MsgCCreate, "db", "other", nil))
	m.InspectCommit(mutation(proto.MsgCCreate, "db2", "watched", nil))

	if len(session.envelopes) != 0 {
		t.Errorf("got %d notifications for unrelated mutations, want 0", len(session.envelopes))
	}
}

// TestNonMutatingCommitsIgnored checks that reads never notify.
func TestNonMutatingCommitsIgnored(t *testing.T) {
	m := NewManager("node-a")
	session := &fakeSession{}

	m.Subscribe("db", "watched", 1, session)

	m.InspectCommit(mutation(proto.MsgCRead, "db", "watched", nil))
	m.InspectCommit(mutation(proto.MsgCHas, "db", "watched", nil))

	if len(session.envelopes) != 0 {
		t.Errorf("got %d notifications for read traffic, want 0", len(session.envelopes))
	}
}

// TestUnsubscribeStopsNotifications checks that a removed registration no
// longer receives updates.
func TestUnsubscribeStopsNotifications(t *testing.T) {
	m := NewManager("node-a")
	session := &fakeSession{}

	m.Subscribe("db", "watched", 7, session)
	m.Unsubscribe("db", "watched", 7)

	m.InspectCommit(mutation(proto.MsgCDelete, "db", "watched", nil))

	if len(session.envelopes) != 0 {
		t.Errorf("got %d notifications after unsubscribe, want 0", len(session.envelopes))
	}
}

// TestMultipleSubscriptionsPerKey checks that every registration on a key is
// notified under its own nonce.
func TestMultipleSubscriptionsPerKey(t *testing.T) {
	m := NewManager("node-a")
	first := &fakeSession{}
	second := &fakeSession{}

	m.Subscribe("db", "watched", 1, first)
	m.Subscribe("db", "watched", 2, second)

	m.InspectCommit(mutation(proto.MsgCUpdate, "db", "watched", []byte("v")))

	if len(first.envelopes) != 1 || len(second.envelopes) != 1 {
		t.Fatalf("got %d/%d notifications, want 1/1", len(first.envelopes), len(second.envelopes))
	}
	if first.envelopes[0].DatabaseResponse.Header.Nonce != 1 {
		t.Error("first subscriber notified under the wrong nonce")
	}
	if second.envelopes[0].DatabaseResponse.Header.Nonce != 2 {
		t.Error("second subscriber notified under the wrong nonce")
	}
}

// TestClosedSessionsDropped checks that closed sessions are removed when a
// notification is due.
func TestClosedSessionsDropped(t *testing.T) {
	m := NewManager("node-a")
	session := &fakeSession{closed: true}

	m.Subscribe("db", "watched", 1, session)

	m.InspectCommit(mutation(proto.MsgCUpdate, "db", "watched", nil))
	if len(session.envelopes) != 0 {
		t.Fatal("a closed session received a notification")
	}

	// the registration must be gone, reopening the session changes nothing
	session.closed = false
	m.InspectCommit(mutation(proto.MsgCUpdate, "db", "watched", nil))
	if len(session.envelopes) != 0 {
		t.Error("a dropped registration received a notification")
	}
}

// TestFailingSendDropsSubscriber checks that a send error evicts the
// registration.
func TestFailingSendDropsSubscriber(t *testing.T) {
	m := NewManager("node-a")
	session := &fakeSession{sendErr: errors.New("broken pipe")}

	m.Subscribe("db", "watched", 1, session)
	m.InspectCommit(mutation(proto.MsgCUpdate, "db", "watched", nil))

	// the failed registration must not be retried
	session.sendErr = nil
	m.InspectCommit(mutation(proto.MsgCUpdate, "db", "watched", nil))

	if len(session.envelopes) != 0 {
		t.Errorf("got %d notifications after a send failure, want 0", len(session.envelopes))
	}
}

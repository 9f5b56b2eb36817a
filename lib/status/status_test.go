package status

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/swarmKV/lib/proto"
)

type staticProvider struct {
	name string
	data string
	err  error
}

func (p *staticProvider) GetName() string { return p.name }

func (p *staticProvider) GetStatus() (json.RawMessage, error) {
	return json.RawMessage(p.data), p.err
}

type captureSession struct {
	open bool
	sent []*proto.Envelope
}

func (s *captureSession) SendMessage(env *proto.Envelope) error {
	s.sent = append(s.sent, env)
	return nil
}

func (s *captureSession) IsOpen() bool { return s.open }

func TestBuildResponseCollectsProviders(t *testing.T) {
	m := NewManager("node-1", "1.2.3", "abcdef", true)
	m.Register(&staticProvider{name: "crud", data: `{"databases":3}`})
	m.Register(&staticProvider{name: "pbft", data: `{"view":7}`})

	resp := m.BuildResponse()
	if resp.SwarmVersion != "1.2.3" || resp.SwarmGitCommit != "abcdef" || !resp.PbftEnabled {
		t.Errorf("response metadata = %+v", resp)
	}
	if resp.Uptime != "0 days, 0 hours, 0 minutes" {
		t.Errorf("uptime = %q, want the days/hours/minutes form", resp.Uptime)
	}

	var modules map[string]json.RawMessage
	if err := json.Unmarshal(resp.ModuleStatus, &modules); err != nil {
		t.Fatalf("module status does not parse: %v", err)
	}
	if string(modules["crud"]) != `{"databases":3}` || string(modules["pbft"]) != `{"view":7}` {
		t.Errorf("module status = %v", modules)
	}
}

// TestFormatUptime checks the days/hours/minutes rendering, seconds are
// truncated.
func TestFormatUptime(t *testing.T) {
	cases := []struct {
		uptime time.Duration
		want   string
	}{
		{0, "0 days, 0 hours, 0 minutes"},
		{59 * time.Second, "0 days, 0 hours, 0 minutes"},
		{61 * time.Minute, "0 days, 1 hours, 1 minutes"},
		{25*time.Hour + 30*time.Minute, "1 days, 1 hours, 30 minutes"},
		{72*time.Hour + 3*time.Minute, "3 days, 0 hours, 3 minutes"},
	}
	for _, c := range cases {
		if got := formatUptime(c.uptime); got != c.want {
			t.Errorf("formatUptime(%v) = %q, want %q", c.uptime, got, c.want)
		}
	}
}

func TestFailingProviderIsSkipped(t *testing.T) {
	m := NewManager("node-1", "1.2.3", "", false)
	m.Register(&staticProvider{name: "good", data: `{}`})
	m.Register(&staticProvider{name: "bad", err: errors.New("broken")})

	var modules map[string]json.RawMessage
	if err := json.Unmarshal(m.BuildResponse().ModuleStatus, &modules); err != nil {
		t.Fatalf("module status does not parse: %v", err)
	}
	if _, ok := modules["bad"]; ok {
		t.Error("failing provider appears in the module status")
	}
	if _, ok := modules["good"]; !ok {
		t.Error("working provider missing from the module status")
	}
}

func TestRegisterReplacesByName(t *testing.T) {
	m := NewManager("node-1", "", "", false)
	m.Register(&staticProvider{name: "crud", data: `{"old":true}`})
	m.Register(&staticProvider{name: "crud", data: `{"new":true}`})

	var modules map[string]json.RawMessage
	if err := json.Unmarshal(m.BuildResponse().ModuleStatus, &modules); err != nil {
		t.Fatalf("module status does not parse: %v", err)
	}
	if string(modules["crud"]) != `{"new":true}` {
		t.Errorf("module status = %v, want the re-registered provider", modules)
	}
}

func TestHandleStatusRequest(t *testing.T) {
	m := NewManager("node-1", "1.2.3", "", true)
	session := &captureSession{open: true}

	env := &proto.Envelope{Sender: "client", Case: proto.PayloadCStatusRequest, StatusRequest: &proto.StatusRequest{Nonce: 7}}
	m.HandleStatusRequest(env, session)

	if len(session.sent) != 1 {
		t.Fatalf("status request produced %d responses, want 1", len(session.sent))
	}
	resp := session.sent[0]
	if resp.Sender != "node-1" || resp.Case != proto.PayloadCStatusResponse || resp.StatusResponse == nil {
		t.Errorf("status response envelope = %+v", resp)
	}
	if resp.StatusResponse.Nonce != 7 {
		t.Errorf("status response nonce = %d, want the request nonce echoed", resp.StatusResponse.Nonce)
	}
}

func TestHandleStatusRequestWithoutPayload(t *testing.T) {
	m := NewManager("node-1", "", "", false)
	session := &captureSession{open: true}

	m.HandleStatusRequest(&proto.Envelope{Sender: "client"}, session)
	if len(session.sent) != 0 {
		t.Errorf("envelope without status request produced %d responses", len(session.sent))
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewManager("node-1", "", "", false)

	recorder := httptest.NewRecorder()
	m.MetricsHandler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	if recorder.Code != 200 {
		t.Fatalf("metrics endpoint returned %d", recorder.Code)
	}
	if !strings.Contains(recorder.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("metrics content type = %q", recorder.Header().Get("Content-Type"))
	}
}

// Package status aggregates the health summary a node reports to clients.
// Modules register themselves as providers, the manager collects their
// snapshots on demand and answers status requests on the wire.
package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/swarmKV/lib/pbft"
	"github.com/ValentinKolb/swarmKV/lib/proto"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("status")

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IProvider is implemented by modules that contribute to the node status.
type IProvider interface {
	// GetName returns the key the provider's snapshot appears under.
	GetName() string
	// GetStatus returns the provider's current state as a json document.
	GetStatus() (json.RawMessage, error)
}

// IManager collects provider snapshots and answers status requests.
type IManager interface {
	// Register adds a provider. A provider registering under an already
	// taken name replaces the previous one.
	Register(p IProvider)
	// HandleStatusRequest answers a status request on the given session.
	HandleStatusRequest(env *proto.Envelope, session pbft.ISession)
	// BuildResponse assembles the current status summary.
	BuildResponse() *proto.StatusResponse
	// MetricsHandler exposes the node metrics in prometheus text format.
	MetricsHandler() http.Handler
}

// --------------------------------------------------------------------------
// Manager Implementation
// --------------------------------------------------------------------------

type manager struct {
	nodeUUID    string
	version     string
	gitCommit   string
	pbftEnabled bool
	started     time.Time

	providers *xsync.MapOf[string, IProvider]
}

// NewManager creates a status manager. Version and git commit are build
// time constants passed down from the binary.
func NewManager(nodeUUID, version, gitCommit string, pbftEnabled bool) IManager {
	return &manager{
		nodeUUID:    nodeUUID,
		version:     version,
		gitCommit:   gitCommit,
		pbftEnabled: pbftEnabled,
		started:     time.Now(),
		providers:   xsync.NewMapOf[string, IProvider](),
	}
}

func (m *manager) Register(p IProvider) {
	m.providers.Store(p.GetName(), p)
}

func (m *manager) BuildResponse() *proto.StatusResponse {
	modules := make(map[string]json.RawMessage)
	m.providers.Range(func(name string, p IProvider) bool {
		snapshot, err := p.GetStatus()
		if err != nil {
			log.Warningf("status provider %s failed: %v", name, err)
			return true
		}
		modules[name] = snapshot
		return true
	})

	moduleStatus, err := json.Marshal(modules)
	if err != nil {
		// provider snapshots are raw json already, this cannot fail
		panic(err)
	}

	return &proto.StatusResponse{
		SwarmVersion:   m.version,
		SwarmGitCommit: m.gitCommit,
		Uptime:         formatUptime(time.Since(m.started)),
		PbftEnabled:    m.pbftEnabled,
		ModuleStatus:   moduleStatus,
	}
}

// formatUptime renders a duration as "<d> days, <h> hours, <m> minutes".
func formatUptime(uptime time.Duration) string {
	d := int64(uptime / (24 * time.Hour))
	uptime -= time.Duration(d) * 24 * time.Hour
	h := int64(uptime / time.Hour)
	uptime -= time.Duration(h) * time.Hour
	m := int64(uptime / time.Minute)
	return fmt.Sprintf("%d days, %d hours, %d minutes", d, h, m)
}

func (m *manager) HandleStatusRequest(env *proto.Envelope, session pbft.ISession) {
	if env.StatusRequest == nil {
		log.Warningf("dropping envelope from %s without a status request", env.Sender)
		return
	}
	if session == nil || !session.IsOpen() {
		log.Warningf("no open session for status response to %s", env.Sender)
		return
	}

	resp := m.BuildResponse()
	resp.Nonce = env.StatusRequest.Nonce
	if err := session.SendMessage(&proto.Envelope{
		Sender:         m.nodeUUID,
		Case:           proto.PayloadCStatusResponse,
		StatusResponse: resp,
	}); err != nil {
		log.Warningf("sending status response to %s failed: %v", env.Sender, err)
	}
}

func (m *manager) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		metrics.WritePrometheus(w, true)
	})
}

// Package control implements the HTTP/WebSocket admin control plane:
// POST /admin/curr_action/<selector>/<action> to drive the per-unit
// action state machine, GET /admin/status and GET /admin/ws to observe
// it, and GET /reboot_timestamp for the remote-reboot poll contract.
package control

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/julienschmidt/httprouter"

	"github.com/olimpiadi-informatica/pixie/pkg/fleet"
	"github.com/olimpiadi-informatica/pixie/pkg/image"
	"github.com/olimpiadi-informatica/pixie/pkg/perrors"
)

// Server is the admin HTTP/WebSocket control plane. One Server per process,
// wrapping the same fleet.State the TCP/UDP servers mutate.
type Server struct {
	Fleet *fleet.State
	Image *image.Registry
	Log   hclog.Logger

	// Groups maps a configured group name to the numeric group ID stored
	// on a Unit, so an admin can target "row-a" instead of a raw number.
	Groups map[string]uint8

	// ChunksPort/HintPort are the UDP ports advertised in a Pull action
	// started from this endpoint.
	ChunksPort uint16
	HintPort   uint16

	// HTTPStatic serves <storage>/httpstatic verbatim under /admin/.
	// Empty disables static serving.
	HTTPStatic string

	Stats *perrors.Stats

	rebootTimestamp atomic.Int64

	upgrader websocket.Upgrader
}

// NewServer constructs a Server. groups may be nil (no named groups
// configured; selectors are then only "all" or a MAC).
func NewServer(fl *fleet.State, img *image.Registry, groups map[string]uint8, log hclog.Logger) *Server {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if groups == nil {
		groups = map[string]uint8{}
	}
	return &Server{
		Fleet:  fl,
		Image:  img,
		Log:    log.Named("control"),
		Groups: groups,
		Stats:  &perrors.Stats{},
		upgrader: websocket.Upgrader{
			// The LAN-trusted Non-goal means no origin check here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the httprouter-backed http.Handler for this Server.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()
	r.GET("/admin/", s.handleAdminIndex)
	r.POST("/admin/curr_action/:selector/:action", s.handleCurrAction)
	r.GET("/admin/status", s.handleStatus)
	r.GET("/admin/images", s.handleImages)
	r.GET("/admin/ws", s.handleWS)
	r.GET("/reboot_timestamp", s.handleRebootTimestamp)
	if s.HTTPStatic != "" {
		// httpstatic/ is served verbatim.
		r.ServeFiles("/admin/static/*filepath", http.Dir(s.HTTPStatic))
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusResponse is the envelope of the admin action and image-list
// responses: a status, plus a reason on failure.
type statusResponse struct {
	Status string      `json:"status"`
	Reason string      `json:"reason,omitempty"`
	Count  int         `json:"count,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

func (s *Server) handleAdminIndex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.HTTPStatic != "" {
		index := filepath.Join(s.HTTPStatic, "index.html")
		if data, err := os.ReadFile(index); err == nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write(data)
			return
		}
	}
	// The admin web UI ships separately; without a bundled index this
	// endpoint answers with a JSON stub.
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok", Reason: "no admin UI bundled"})
}

func (s *Server) handleCurrAction(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sel, err := parseSelector(ps.ByName("selector"), s.Groups)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Reason: err.Error()})
		return
	}

	imageName := r.URL.Query().Get("image")
	action, err := parseAction(ps.ByName("action"), imageName, s.ChunksPort, s.HintPort)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Reason: err.Error()})
		return
	}

	n, err := s.Fleet.SetNextAction(sel, action)
	if err != nil {
		s.Stats.Record(err)
		writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Reason: err.Error()})
		return
	}
	if action.Kind == fleet.ActionReboot {
		s.SetRebootTimestamp(time.Now())
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok", Count: n})
}

// WsUpdate is the live snapshot pushed to every /admin/ws subscriber and
// returned once by GET /admin/status.
type WsUpdate struct {
	Units  []fleet.Unit  `json:"units"`
	Errors ErrorsSummary `json:"errors"`
}

// ErrorsSummary is perrors.Stats reshaped for JSON.
type ErrorsSummary struct {
	TransientIO   uint64 `json:"transient_io"`
	Protocol      uint64 `json:"protocol"`
	Integrity     uint64 `json:"integrity"`
	Invariant     uint64 `json:"invariant"`
	Configuration uint64 `json:"configuration"`
}

func (s *Server) snapshot() WsUpdate {
	return WsUpdate{
		Units: s.Fleet.Snapshot(),
		Errors: ErrorsSummary{
			TransientIO:   s.Stats.TransientIO,
			Protocol:      s.Stats.Protocol,
			Integrity:     s.Stats.Integrity,
			Invariant:     s.Stats.Invariant,
			Configuration: s.Stats.Configuration,
		},
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// ImageSummary reshapes image.Summary for JSON, with both the exact byte
// counts and a human-readable rendering for the admin UI and pixiectl.
type ImageSummary struct {
	Name             string `json:"name"`
	TotalBytes       uint64 `json:"total_bytes"`
	TotalHuman       string `json:"total_human"`
	ReclaimableBytes uint64 `json:"reclaimable_bytes"`
	ReclaimableHuman string `json:"reclaimable_human"`
}

func (s *Server) handleImages(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	list := s.Image.List()
	out := make([]ImageSummary, 0, len(list))
	for _, img := range list {
		out = append(out, ImageSummary{
			Name:             img.Name,
			TotalBytes:       img.TotalBytes,
			TotalHuman:       humanize.Bytes(img.TotalBytes),
			ReclaimableBytes: img.Reclaimable,
			ReclaimableHuman: humanize.Bytes(img.Reclaimable),
		})
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok", Data: out})
}

// handleWS upgrades to a WebSocket connection and streams a WsUpdate
// every time the fleet state mutates.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.Fleet.Subscribe()
	defer s.Fleet.Unsubscribe(ch)

	if err := conn.WriteJSON(s.snapshot()); err != nil {
		return
	}

	for {
		select {
		case units, ok := <-ch:
			if !ok {
				return
			}
			update := s.snapshot()
			update.Units = units
			if err := conn.WriteJSON(update); err != nil {
				return
			}
		case <-time.After(30 * time.Second):
			// idle keepalive ping, so a silent LAN link doesn't look dead
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SetRebootTimestamp records when clients should next observe a pending
// remote reboot.
func (s *Server) SetRebootTimestamp(t time.Time) {
	s.rebootTimestamp.Store(t.Unix())
}

func (s *Server) handleRebootTimestamp(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]int64{"reboot_timestamp": s.rebootTimestamp.Load()})
}

package fleet

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/olimpiadi-informatica/pixie/pkg/perrors"
)

// State is the single authoritative, single-writer-lock in-memory fleet
// state: every mutation is totally ordered by mu, so
// curr_action transitions are linearizable even though many goroutines
// (HTTP handlers, TCP/UDP pollers) read and write concurrently.
type State struct {
	path string
	log  hclog.Logger

	mu    sync.Mutex
	units map[[6]byte]*Unit

	// IPs is the MAC<->static-IP bijection backing Register responses.
	IPs *Bijection[[6]byte, string]

	// subscribers receive a snapshot after every mutation, feeding the
	// admin WebSocket fan-out.
	subMu       sync.Mutex
	subscribers map[chan []Unit]struct{}
}

// NewState constructs an empty fleet State persisted at path
// (registered.json).
func NewState(path string, log hclog.Logger) (*State, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	s := &State{
		path:        path,
		log:         log.Named("fleet"),
		units:       make(map[[6]byte]*Unit),
		IPs:         NewBijection[[6]byte, string](),
		subscribers: make(map[chan []Unit]struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

type persistedUnit struct {
	MAC               string    `json:"mac"`
	Group             uint8     `json:"group"`
	Row               uint8     `json:"row"`
	Col               uint8     `json:"col"`
	CurrActionKind    uint8     `json:"curr_action_kind"`
	CurrActionImage   string    `json:"curr_action_image"`
	CurrProgress      uint32    `json:"curr_progress"`
	NextActionKind    uint8     `json:"next_action_kind"`
	NextActionImage   string    `json:"next_action_image"`
	Image             string    `json:"image"`
	LastPingTimestamp time.Time `json:"last_ping_timestamp"`
	LastPingMsg       string    `json:"last_ping_msg"`
	StaticIP          string    `json:"static_ip,omitempty"`
}

func macToString(mac [6]byte) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 17)
	for i, b := range mac {
		buf[i*3] = hex[b>>4]
		buf[i*3+1] = hex[b&0xf]
		if i < 5 {
			buf[i*3+2] = ':'
		}
	}
	return string(buf)
}

func (s *State) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return perrors.NewIOError("read registered.json", err)
	}
	var persisted []persistedUnit
	if err := json.Unmarshal(data, &persisted); err != nil {
		return perrors.NewInvariantError(perrors.CodeIndexDiskMismatch, "corrupt registered.json: "+err.Error())
	}
	for _, p := range persisted {
		var mac [6]byte
		for i := 0; i < 6 && i*3+1 < len(p.MAC); i++ {
			mac[i] = hexByte(p.MAC[i*3], p.MAC[i*3+1])
		}
		u := &Unit{
			MAC:               mac,
			Group:             p.Group,
			Row:               p.Row,
			Col:               p.Col,
			CurrAction:        Action{Kind: ActionKind(p.CurrActionKind), Image: p.CurrActionImage},
			CurrProgress:      p.CurrProgress,
			NextAction:        Action{Kind: ActionKind(p.NextActionKind), Image: p.NextActionImage},
			Image:             p.Image,
			LastPingTimestamp: p.LastPingTimestamp,
			LastPingMsg:       p.LastPingMsg,
			StaticIP:          p.StaticIP,
		}
		s.units[mac] = u
		if u.StaticIP != "" {
			_ = s.IPs.Bind(mac, u.StaticIP)
		}
	}
	return nil
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}

func hexByte(hi, lo byte) byte {
	return hexNibble(hi)<<4 | hexNibble(lo)
}

// persistLocked writes registered.json atomically. Callers must hold s.mu.
func (s *State) persistLocked() error {
	persisted := make([]persistedUnit, 0, len(s.units))
	for mac, u := range s.units {
		persisted = append(persisted, persistedUnit{
			MAC:               macToString(mac),
			Group:             u.Group,
			Row:               u.Row,
			Col:               u.Col,
			CurrActionKind:    uint8(u.CurrAction.Kind),
			CurrActionImage:   u.CurrAction.Image,
			CurrProgress:      u.CurrProgress,
			NextActionKind:    uint8(u.NextAction.Kind),
			NextActionImage:   u.NextAction.Image,
			Image:             u.Image,
			LastPingTimestamp: u.LastPingTimestamp,
			LastPingMsg:       u.LastPingMsg,
			StaticIP:          u.StaticIP,
		})
	}
	sort.Slice(persisted, func(i, j int) bool { return persisted[i].MAC < persisted[j].MAC })

	data, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return perrors.NewInvariantError(perrors.CodeIndexDiskMismatch, "marshal registered.json: "+err.Error())
	}
	tmp := s.path + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return perrors.NewIOError("write temp registered.json", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return perrors.NewIOError("rename temp registered.json", err)
	}
	return nil
}

// notifyLocked pushes a snapshot to every subscriber without blocking on
// a slow reader: a full subscriber channel simply misses this update.
func (s *State) notifyLocked() {
	snap := s.snapshotLocked()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *State) snapshotLocked() []Unit {
	out := make([]Unit, 0, len(s.units))
	for _, u := range s.units {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return macToString(out[i].MAC) < macToString(out[j].MAC) })
	return out
}

// Snapshot returns a point-in-time copy of every unit, sorted by MAC.
func (s *State) Snapshot() []Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers ch to receive a snapshot after every mutation.
// Callers must call Unsubscribe when done.
func (s *State) Subscribe() chan []Unit {
	ch := make(chan []Unit, 1)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

// Unsubscribe removes ch registered by Subscribe.
func (s *State) Unsubscribe(ch chan []Unit) {
	s.subMu.Lock()
	delete(s.subscribers, ch)
	s.subMu.Unlock()
}

// Register creates or updates a unit's coordinates. Returns
// the unit's assigned static IP, if the bijection has one bound for this
// MAC.
func (s *State) Register(mac [6]byte, group, row, col uint8) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[mac]
	if !ok {
		u = &Unit{MAC: mac, CurrAction: Wait(), NextAction: Wait()}
		s.units[mac] = u
	}
	u.Group, u.Row, u.Col = group, row, col
	u.LastPingTimestamp = time.Now()

	if ip, bound := s.IPs.Lookup(mac); bound {
		u.StaticIP = ip
	}

	if err := s.persistLocked(); err != nil {
		return "", err
	}
	s.notifyLocked()
	return u.StaticIP, nil
}

// SetNextAction applies action to every unit matched by sel, the
// mutation behind POST /admin/curr_action/<selector>/<action>.
func (s *State) SetNextAction(sel Selector, action Action) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, u := range s.units {
		if !sel.Matches(u) {
			continue
		}
		a := action
		if (a.Kind == ActionPush || a.Kind == ActionPull) && a.Image == "" {
			a.Image = u.Image
		}
		u.NextAction = a
		if a.Kind == ActionPush || a.Kind == ActionPull {
			u.Image = a.Image
		}
		count++
	}
	if count == 0 {
		return 0, nil
	}
	if err := s.persistLocked(); err != nil {
		return count, err
	}
	s.notifyLocked()
	return count, nil
}

// Poll is called when a unit checks in: curr_action becomes next_action,
// and the last-ping metadata is refreshed.
func (s *State) Poll(mac [6]byte, progress uint32, msg string) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[mac]
	if !ok {
		return Action{}, perrors.NewNotFoundError("unit not registered")
	}
	u.CurrAction = u.NextAction
	u.CurrProgress = progress
	u.LastPingTimestamp = time.Now()
	u.LastPingMsg = msg

	if err := s.persistLocked(); err != nil {
		return Action{}, err
	}
	s.notifyLocked()
	return u.CurrAction, nil
}

// Progress records a unit's in-flight action progress without touching
// the action state machine, the ActionProgress path clients report over
// UDP mid-action.
func (s *State) Progress(mac [6]byte, progress uint32, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[mac]
	if !ok {
		return perrors.NewNotFoundError("unit not registered")
	}
	u.CurrProgress = progress
	u.LastPingTimestamp = time.Now()
	u.LastPingMsg = msg

	if err := s.persistLocked(); err != nil {
		return err
	}
	s.notifyLocked()
	return nil
}

// ActionComplete transitions a unit's curr_action to Wait after it
// finishes its current action; next_action is not changed.
func (s *State) ActionComplete(mac [6]byte, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[mac]
	if !ok {
		return perrors.NewNotFoundError("unit not registered")
	}
	u.CurrAction = Wait()
	u.CurrProgress = 0
	u.LastPingMsg = errMsg
	// next_action is left untouched: admin may have already queued the
	// unit's next step while this action was still in flight.

	if err := s.persistLocked(); err != nil {
		return err
	}
	s.notifyLocked()
	return nil
}

// Get returns a copy of the unit keyed by mac.
func (s *State) Get(mac [6]byte) (Unit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[mac]
	if !ok {
		return Unit{}, false
	}
	return *u, true
}

// Remove destroys a unit by explicit admin removal.
func (s *State) Remove(mac [6]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.units[mac]; !ok {
		return perrors.NewNotFoundError("unit not registered")
	}
	delete(s.units, mac)
	s.IPs.Unbind(mac)

	if err := s.persistLocked(); err != nil {
		return err
	}
	s.notifyLocked()
	return nil
}

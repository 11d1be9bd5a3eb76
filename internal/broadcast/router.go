// Package broadcast fans workspace events out to connected sessions.
//
// Every live transport connection is registered with a Router and may be a
// member of at most one workspace group. Delivery is at-most-once: each
// connection owns a bounded outbound buffer and an event that does not fit
// is dropped for that connection only. Within a workspace every member
// receives broadcasts in the order they were stamped.
package broadcast

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/agentworkforce/relayboard/internal/clock"
	"github.com/agentworkforce/relayboard/internal/presence"
)

const DefaultBufferSize = 256

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotMember         = errors.New("connection is not a member of workspace")
)

// Observer receives delivery accounting. Implementations must not block.
type Observer interface {
	EventDelivered(kind Kind)
	EventDropped(kind Kind)
	ConnectionsChanged(total int)
}

type Options struct {
	Presence   *presence.Tracker
	Clock      clock.Clock
	Logger     *slog.Logger
	Observer   Observer
	BufferSize int
	// Epoch identifies this router instance; generated when empty.
	Epoch string
}

// Connection is the router-side handle for one live transport connection.
// The transport drains Events and writes them to the wire.
type Connection struct {
	ID         string
	IdentityID string

	out       chan Event
	workspace string
	closed    bool
	dropped   atomic.Uint64
}

// Events is closed once the connection is disconnected.
func (c *Connection) Events() <-chan Event {
	return c.out
}

// Dropped counts events discarded because the outbound buffer was full.
func (c *Connection) Dropped() uint64 {
	return c.dropped.Load()
}

type group struct {
	seq     uint64
	members map[string]*Connection
}

type Router struct {
	mu          sync.Mutex
	epoch       string
	presence    *presence.Tracker
	clock       clock.Clock
	logger      *slog.Logger
	observer    Observer
	bufferSize  int
	connections map[string]*Connection
	groups      map[string]*group
}

func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	epoch := opts.Epoch
	if epoch == "" {
		epoch = uuid.NewString()
	}
	c := clock.OrReal(opts.Clock)
	tracker := opts.Presence
	if tracker == nil {
		tracker = presence.NewTracker(c, presence.DefaultFreshness)
	}
	return &Router{
		epoch:       epoch,
		presence:    tracker,
		clock:       c,
		logger:      logger,
		observer:    opts.Observer,
		bufferSize:  bufferSize,
		connections: map[string]*Connection{},
		groups:      map[string]*group{},
	}
}

func (r *Router) Epoch() string {
	return r.epoch
}

func (r *Router) Presence() *presence.Tracker {
	return r.presence
}

// Register creates a connection for identity. It belongs to no workspace
// until Join.
func (r *Router) Register(identityID string) *Connection {
	conn := &Connection{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		out:        make(chan Event, r.bufferSize),
	}
	r.mu.Lock()
	r.connections[conn.ID] = conn
	total := len(r.connections)
	r.mu.Unlock()
	if r.observer != nil {
		r.observer.ConnectionsChanged(total)
	}
	return conn
}

// Join makes conn a member of workspaceID, leaving any previous workspace
// first. The joiner alone receives a presence-snapshot; the other members
// receive participant-joined.
func (r *Router) Join(conn *Connection, workspaceID string) error {
	if conn == nil || workspaceID == "" {
		return ErrUnknownConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connections[conn.ID] != conn || conn.closed {
		return ErrUnknownConnection
	}
	if conn.workspace == workspaceID {
		r.sendSnapshotLocked(conn, workspaceID)
		return nil
	}
	if conn.workspace != "" {
		r.leaveLocked(conn, conn.workspace)
	}

	g := r.groups[workspaceID]
	if g == nil {
		g = &group{members: map[string]*Connection{}}
		r.groups[workspaceID] = g
	}
	g.members[conn.ID] = conn
	conn.workspace = workspaceID

	r.sendSnapshotLocked(conn, workspaceID)
	joined := NewEvent(ParticipantJoined{Participant{IdentityID: conn.IdentityID, ConnectionID: conn.ID}})
	joined.Origin = conn.ID
	r.broadcastLocked(workspaceID, joined, conn.ID)
	r.logger.Debug("participant joined", "workspace_id", workspaceID, "identity", conn.IdentityID, "connection_id", conn.ID)
	return nil
}

// Leave removes conn from workspaceID and notifies the remaining members.
func (r *Router) Leave(conn *Connection, workspaceID string) error {
	if conn == nil {
		return ErrUnknownConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connections[conn.ID] != conn {
		return ErrUnknownConnection
	}
	if conn.workspace != workspaceID || workspaceID == "" {
		return ErrNotMember
	}
	r.leaveLocked(conn, workspaceID)
	return nil
}

// Disconnect leaves the current workspace, unregisters conn and closes its
// event channel. Safe to call more than once.
func (r *Router) Disconnect(conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	if r.connections[conn.ID] != conn {
		r.mu.Unlock()
		return
	}
	if conn.workspace != "" {
		r.leaveLocked(conn, conn.workspace)
	}
	delete(r.connections, conn.ID)
	conn.closed = true
	close(conn.out)
	total := len(r.connections)
	r.mu.Unlock()
	if r.observer != nil {
		r.observer.ConnectionsChanged(total)
	}
}

// Broadcast stamps ev with the next sequence number of workspaceID and
// queues it to every member, originator included. It never blocks.
func (r *Router) Broadcast(workspaceID string, ev Event) Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcastLocked(workspaceID, ev, "")
}

// SendTo queues an unsequenced event for a single connection.
func (r *Router) SendTo(conn *Connection, ev Event) bool {
	if conn == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connections[conn.ID] != conn || conn.closed {
		return false
	}
	ev = r.prepareLocked(ev, conn.workspace)
	ev.Seq = 0
	return r.deliverLocked(conn, ev)
}

// WorkspaceOf returns the workspace conn is currently a member of.
func (r *Router) WorkspaceOf(conn *Connection) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return conn.workspace
}

func (r *Router) Participants(workspaceID string) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.participantsLocked(workspaceID)
}

func (r *Router) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}

func (r *Router) leaveLocked(conn *Connection, workspaceID string) {
	g := r.groups[workspaceID]
	if g == nil {
		conn.workspace = ""
		return
	}
	delete(g.members, conn.ID)
	conn.workspace = ""

	stillPresent := false
	for _, member := range g.members {
		if member.IdentityID == conn.IdentityID {
			stillPresent = true
			break
		}
	}
	cleared := false
	if !stillPresent {
		_, cleared = r.presence.Remove(workspaceID, conn.IdentityID)
	}

	left := NewEvent(ParticipantLeft{
		Participant:   Participant{IdentityID: conn.IdentityID, ConnectionID: conn.ID},
		CursorCleared: cleared,
	})
	left.Origin = conn.ID
	r.broadcastLocked(workspaceID, left, "")
	if len(g.members) == 0 {
		// the sequence restarts with the next join; its snapshot resets
		// client baselines
		delete(r.groups, workspaceID)
	}
	r.logger.Debug("participant left", "workspace_id", workspaceID, "identity", conn.IdentityID, "connection_id", conn.ID, "cursor_cleared", cleared)
}

func (r *Router) sendSnapshotLocked(conn *Connection, workspaceID string) {
	snapshot := NewEvent(PresenceSnapshot{
		Participants: r.participantsLocked(workspaceID),
		Cursors:      r.presence.Active(workspaceID),
	})
	snapshot = r.prepareLocked(snapshot, workspaceID)
	if g := r.groups[workspaceID]; g != nil {
		snapshot.Seq = g.seq
	}
	r.deliverLocked(conn, snapshot)
}

func (r *Router) broadcastLocked(workspaceID string, ev Event, skipConnectionID string) Event {
	ev = r.prepareLocked(ev, workspaceID)
	g := r.groups[workspaceID]
	if g == nil {
		return ev
	}
	g.seq++
	ev.Seq = g.seq
	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if id == skipConnectionID {
			continue
		}
		r.deliverLocked(g.members[id], ev)
	}
	return ev
}

func (r *Router) prepareLocked(ev Event, workspaceID string) Event {
	if ev.Kind == "" && ev.Payload != nil {
		ev.Kind = ev.Payload.Kind()
	}
	ev.WorkspaceID = workspaceID
	ev.Epoch = r.epoch
	if ev.At.IsZero() {
		ev.At = r.clock.Now().UTC()
	}
	return ev
}

func (r *Router) deliverLocked(conn *Connection, ev Event) bool {
	select {
	case conn.out <- ev:
		if r.observer != nil {
			r.observer.EventDelivered(ev.Kind)
		}
		return true
	default:
		conn.dropped.Add(1)
		if r.observer != nil {
			r.observer.EventDropped(ev.Kind)
		}
		r.logger.Warn("dropped event for slow connection",
			"workspace_id", ev.WorkspaceID,
			"connection_id", conn.ID,
			"identity", conn.IdentityID,
			"type", string(ev.Kind),
			"seq", ev.Seq,
		)
		return false
	}
}

func (r *Router) participantsLocked(workspaceID string) []Participant {
	out := make([]Participant, 0)
	g := r.groups[workspaceID]
	if g == nil {
		return out
	}
	for _, member := range g.members {
		out = append(out, Participant{IdentityID: member.IdentityID, ConnectionID: member.ID})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IdentityID == out[j].IdentityID {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].IdentityID < out[j].IdentityID
	})
	return out
}

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/broadcast"
	"github.com/agentworkforce/relayboard/internal/clock"
	"github.com/agentworkforce/relayboard/internal/collab"
)

var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrConnectivityLost = errors.New("client: connectivity lost")
	ErrClosed           = errors.New("client: closed")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Transport is one established session with the server.
type Transport interface {
	Send(ctx context.Context, cmd collab.Command) error
	// Receive blocks for the next event. Any error ends the session.
	Receive(ctx context.Context) (broadcast.Event, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, workspaceID string) (Transport, error)
}

type ConnOptions struct {
	Dialer      Dialer
	WorkspaceID string
	Backoff     *Backoff
	Clock       clock.Clock
	Logger      *slog.Logger
	// OnEvent receives every event that survives replay suppression, in
	// delivery order, from the Run goroutine.
	OnEvent       func(broadcast.Event)
	OnStateChange func(from, to State)
}

// Conn keeps one logical connection alive across transport failures. It
// rejoins the last workspace after every reconnect and drops events it has
// already applied.
type Conn struct {
	dialer  Dialer
	backoff *Backoff
	clock   clock.Clock
	logger  *slog.Logger
	onEvent func(broadcast.Event)
	onState func(from, to State)

	mu          sync.Mutex
	state       State
	transport   Transport
	workspaceID string
	epoch       string
	lastSeq     uint64
	teardown    []func()
	ready       []func()
	closed      bool
	closeCh     chan struct{}

	requests atomic.Uint64
}

func NewConn(opts ConnOptions) *Conn {
	if opts.Backoff == nil {
		opts.Backoff = NewBackoff()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		dialer:      opts.Dialer,
		backoff:     opts.Backoff,
		clock:       clock.OrReal(opts.Clock),
		logger:      logger,
		onEvent:     opts.OnEvent,
		onState:     opts.OnStateChange,
		workspaceID: opts.WorkspaceID,
		closeCh:     make(chan struct{}),
	}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Workspace() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workspaceID
}

// OnTeardown registers fn to run before the connection leaves a workspace
// or closes, while sends are still possible.
func (c *Conn) OnTeardown(fn func()) {
	c.mu.Lock()
	c.teardown = append(c.teardown, fn)
	c.mu.Unlock()
}

// OnReady registers fn to run on the Run goroutine each time a session
// receives its presence snapshot, meaning the workspace join took effect.
func (c *Conn) OnReady(fn func()) {
	c.mu.Lock()
	c.ready = append(c.ready, fn)
	c.mu.Unlock()
}

// Run connects and keeps reconnecting until ctx ends, Close is called, or
// the backoff runs out of attempts. The last case returns an error
// wrapping ErrConnectivityLost.
func (c *Conn) Run(ctx context.Context) error {
	if c.dialer == nil {
		return errors.New("client: dialer is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.setState(StateConnecting)
	for {
		ready, err := c.session(ctx)
		if ready {
			c.backoff.Reset()
		}
		if stop, stopErr := c.stopped(ctx); stop {
			return stopErr
		}

		c.setState(StateReconnecting)
		delay, ok := c.backoff.Next()
		if !ok {
			c.setState(StateDisconnected)
			return fmt.Errorf("%w after %d attempts: %w", ErrConnectivityLost, c.backoff.Attempt(), err)
		}
		c.logger.Warn("connection lost, retrying", "attempt", c.backoff.Attempt(), "delay", delay, "error", err)
		select {
		case <-ctx.Done():
		case <-c.clock.After(delay):
		}
		if stop, stopErr := c.stopped(ctx); stop {
			return stopErr
		}
	}
}

func (c *Conn) stopped(ctx context.Context) (bool, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.setState(StateDisconnected)
		return true, nil
	}
	if ctx.Err() != nil {
		c.setState(StateDisconnected)
		return true, ctx.Err()
	}
	return false, nil
}

// session runs one transport from dial to failure. ready reports whether
// the session got as far as a presence snapshot.
func (c *Conn) session(ctx context.Context) (ready bool, err error) {
	workspaceID := c.Workspace()
	transport, err := c.dialer.Dial(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = transport.Close()
		return false, ErrClosed
	}
	c.transport = transport
	c.mu.Unlock()
	c.setState(StateConnected)
	defer c.dropTransport(transport)

	if workspaceID != "" {
		join := collab.Command{Type: collab.CommandJoinWorkspace, RequestID: c.nextRequestID(), WorkspaceID: workspaceID}
		if err := transport.Send(ctx, join); err != nil {
			return false, err
		}
		c.logger.Debug("rejoined workspace", "workspace_id", workspaceID)
	}
	for {
		ev, err := transport.Receive(ctx)
		if err != nil {
			return ready, err
		}
		if !c.accept(ev) {
			continue
		}
		if c.onEvent != nil {
			c.onEvent(ev)
		}
		if ev.Kind == broadcast.KindPresenceSnapshot && !ready {
			ready = true
			c.runHooks(&c.ready)
		}
	}
}

func (c *Conn) dropTransport(transport Transport) {
	c.mu.Lock()
	if c.transport == transport {
		c.transport = nil
	}
	c.mu.Unlock()
	_ = transport.Close()
}

// accept applies replay suppression. A presence snapshot sets the baseline;
// sequenced events at or below it, within the same router epoch, are
// duplicates.
func (c *Conn) accept(ev broadcast.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.Kind == broadcast.KindPresenceSnapshot {
		if c.workspaceID != "" && ev.WorkspaceID != c.workspaceID {
			return false
		}
		c.epoch = ev.Epoch
		c.lastSeq = ev.Seq
		return true
	}
	if !ev.Sequenced() {
		return true
	}
	if c.workspaceID != "" && ev.WorkspaceID != c.workspaceID {
		return false
	}
	if ev.Epoch != c.epoch {
		c.epoch = ev.Epoch
		c.lastSeq = ev.Seq
		return true
	}
	if ev.Seq <= c.lastSeq {
		return false
	}
	c.lastSeq = ev.Seq
	return true
}

// Join switches to workspaceID. When disconnected the join happens on the
// next connect.
func (c *Conn) Join(ctx context.Context, workspaceID string) error {
	if workspaceID == "" {
		return &board.ValidationError{Field: "workspaceId", Reason: "is required"}
	}
	if current := c.Workspace(); current != "" && current != workspaceID {
		c.runTeardown()
	}
	c.mu.Lock()
	c.workspaceID = workspaceID
	c.epoch = ""
	c.lastSeq = 0
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return nil
	}
	return transport.Send(ctx, collab.Command{Type: collab.CommandJoinWorkspace, RequestID: c.nextRequestID(), WorkspaceID: workspaceID})
}

// Leave flushes pending work and leaves the current workspace.
func (c *Conn) Leave(ctx context.Context) error {
	workspaceID := c.Workspace()
	if workspaceID == "" {
		return nil
	}
	c.runTeardown()
	c.mu.Lock()
	c.workspaceID = ""
	c.epoch = ""
	c.lastSeq = 0
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return nil
	}
	return transport.Send(ctx, collab.Command{Type: collab.CommandLeaveWorkspace, RequestID: c.nextRequestID(), WorkspaceID: workspaceID})
}

// Send issues cmd on the current transport, filling in the workspace and a
// request id when absent. It returns the request id used.
func (c *Conn) Send(ctx context.Context, cmd collab.Command) (string, error) {
	c.mu.Lock()
	transport := c.transport
	if cmd.WorkspaceID == "" {
		cmd.WorkspaceID = c.workspaceID
	}
	c.mu.Unlock()
	if transport == nil {
		return "", ErrNotConnected
	}
	if cmd.RequestID == "" {
		cmd.RequestID = c.nextRequestID()
	}
	return cmd.RequestID, transport.Send(ctx, cmd)
}

func (c *Conn) MoveNote(ctx context.Context, noteID string, position board.Point) error {
	_, err := c.Send(ctx, collab.Command{Type: collab.CommandMoveNote, NoteID: noteID, Position: &position})
	return err
}

func (c *Conn) MoveCursor(ctx context.Context, position board.Point) error {
	_, err := c.Send(ctx, collab.Command{Type: collab.CommandMoveCursor, Position: &position})
	return err
}

// Close flushes pending work, then ends the connection for good.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.runTeardown()

	c.mu.Lock()
	c.closed = true
	transport := c.transport
	c.transport = nil
	close(c.closeCh)
	c.mu.Unlock()
	if transport != nil {
		return transport.Close()
	}
	return nil
}

func (c *Conn) runTeardown() {
	c.runHooks(&c.teardown)
}

func (c *Conn) runHooks(registered *[]func()) {
	c.mu.Lock()
	hooks := append([]func(){}, *registered...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *Conn) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	c.logger.Debug("connection state", "from", from.String(), "to", to.String())
	if c.onState != nil {
		c.onState(from, to)
	}
}

func (c *Conn) nextRequestID() string {
	return "req_" + strconv.FormatUint(c.requests.Add(1), 10)
}

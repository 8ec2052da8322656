// Package lifecycle supervises the long-running parts of a process as a tree.
//
// Every node runs its own work, if any, next to its children. A node stops
// when its context is cancelled and everything under it has returned. When
// any part of a node fails, the node cancels the rest of its subtree, moves
// to StateError and hands the error to its parent, which does the same. A
// clean return is not a failure: the node's siblings keep running.
//
// Child exits travel up the tree over channels and cancellation travels down
// through contexts. State changes are published to watchers as Events.
package lifecycle

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/health"
	"github.com/c360/sessionflow/metric"
)

// State is the lifecycle state of a node
type State int

const (
	// StateCreated is a node that has not been started
	StateCreated State = iota
	// StateRunning is a node whose work or children are running
	StateRunning
	// StateError is a node that stopped because part of its subtree failed
	StateError
	// StateStopped is a node that returned cleanly
	StateStopped
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RunFunc is the work of a node. It blocks until ctx is cancelled or the work
// ends, and returns nil on a clean stop.
type RunFunc func(ctx context.Context) error

// Event reports a state change of one node
type Event struct {
	Node string
	From State
	To   State
	Err  error
	Time time.Time
}

// Node is one element of a supervision tree
type Node struct {
	name     string
	path     string
	run      RunFunc
	children []*Node

	mu      sync.Mutex
	state   State
	err     error
	since   time.Time
	started time.Time
}

// NewNode creates a node running run next to children. run may be nil.
func NewNode(name string, run RunFunc, children ...*Node) *Node {
	return &Node{
		name:     name,
		path:     name,
		run:      run,
		children: children,
	}
}

// Group creates a node that only supervises children
func Group(name string, children ...*Node) *Node {
	return NewNode(name, nil, children...)
}

// Name returns the node name
func (n *Node) Name() string { return n.name }

// Path returns the slash separated names from the root to the node
func (n *Node) Path() string { return n.path }

// Children returns the node's children
func (n *Node) Children() []*Node { return n.children }

// State returns the current state
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Err returns the error that moved the node to StateError
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Health reports the node and its subtree
func (n *Node) Health() health.Status {
	n.mu.Lock()
	state, err, since, started := n.state, n.err, n.since, n.started
	n.mu.Unlock()

	var own health.Status
	switch state {
	case StateRunning:
		own = health.NewHealthy(n.path, "running").WithMetrics(&health.Metrics{
			Uptime:       time.Since(started),
			LastActivity: since,
		})
	case StateError:
		own = health.FromError(n.path, err).WithMetrics(&health.Metrics{
			ErrorCount:   1,
			LastActivity: since,
		})
	default:
		own = health.NewDegraded(n.path, state.String())
	}

	if len(n.children) == 0 {
		return own
	}
	subs := make([]health.Status, 0, len(n.children))
	for _, c := range n.children {
		subs = append(subs, c.Health())
	}
	return health.Aggregate(own, subs)
}

// exit is what a finished child sends to its parent
type exit struct {
	node string
	self bool
	err  error
}

func (n *Node) supervise(ctx context.Context, t *Tree) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.transition(n, StateRunning, nil)

	exits := make(chan exit, len(n.children)+1)
	pending := 0
	for _, c := range n.children {
		pending++
		go func() {
			exits <- exit{node: c.path, err: c.supervise(ctx, t)}
		}()
	}
	if n.run != nil {
		pending++
		go func() {
			exits <- exit{node: n.path, self: true, err: n.run(ctx)}
		}()
	}

	var failure error
	for ; pending > 0; pending-- {
		e := <-exits
		switch {
		case e.err == nil:
			t.logger.Debug("Node part returned", "node", e.node)
		case ctx.Err() != nil && stderrors.Is(e.err, context.Canceled):
			// stopped by the cancellation below or from above
		case failure != nil:
			t.logger.Debug("Further failure while stopping", "node", e.node, "error", e.err)
		default:
			failure = e.err
			if e.self {
				failure = fmt.Errorf("%s: %w", n.name, e.err)
			}
			t.logger.Error("Node failed, stopping subtree",
				"node", n.path,
				"failed", e.node,
				"error", e.err)
			cancel()
		}
	}

	if failure != nil {
		t.transition(n, StateError, failure)
		return failure
	}
	t.transition(n, StateStopped, nil)
	return nil
}

// Tree runs a root node and publishes the state changes of every node in it
type Tree struct {
	root    *Node
	logger  *slog.Logger
	metrics *metric.Metrics
	clock   func() time.Time

	running  atomic.Bool
	mu       sync.Mutex
	watchers []chan Event
}

// Option configures a Tree
type Option func(*Tree)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tree) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics reports node states to the process metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(t *Tree) {
		t.metrics = m
	}
}

// WithClock sets the time source for events
func WithClock(clock func() time.Time) Option {
	return func(t *Tree) {
		t.clock = clock
	}
}

// NewTree creates a tree over root and fixes the paths of its nodes
func NewTree(root *Node, opts ...Option) *Tree {
	t := &Tree{
		root:   root,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "lifecycle", "tree", root.name)
	setPaths(root, nil)
	return t
}

func setPaths(n *Node, parents []string) {
	names := append(parents[:len(parents):len(parents)], n.name)
	n.path = strings.Join(names, "/")
	for _, c := range n.children {
		setPaths(c, names)
	}
}

// Root returns the root node
func (t *Tree) Root() *Node { return t.root }

// Health reports the whole tree
func (t *Tree) Health() health.Status { return t.root.Health() }

// Watch returns a channel receiving every state change from now on. Events
// are dropped for a watcher whose buffer is full. The channel is closed when
// Run returns.
func (t *Tree) Watch(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	t.mu.Lock()
	t.watchers = append(t.watchers, ch)
	t.mu.Unlock()
	return ch
}

// Run runs the tree until ctx is cancelled or a node fails. It returns the
// first failure, or nil when every node stopped cleanly.
func (t *Tree) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Tree", "Run", "start supervision tree")
	}
	defer t.running.Store(false)
	defer t.closeWatchers()

	t.logger.Info("Supervision tree starting")
	err := t.root.supervise(ctx, t)
	if err != nil {
		t.logger.Error("Supervision tree failed", "error", err)
		return err
	}
	t.logger.Info("Supervision tree stopped")
	return nil
}

func (t *Tree) transition(n *Node, to State, err error) {
	now := t.clock()

	n.mu.Lock()
	from := n.state
	n.state = to
	n.err = err
	n.since = now
	if to == StateRunning {
		n.started = now
	}
	n.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RecordNodeState(n.path, int(to))
		if to == StateError && n.run != nil && len(n.children) == 0 {
			t.metrics.RecordError(n.path, errors.Classify(err).String())
		}
	}

	ev := Event{Node: n.path, From: from, To: to, Err: err, Time: now}
	t.mu.Lock()
	for _, w := range t.watchers {
		select {
		case w <- ev:
		default:
			t.logger.Debug("Watcher full, dropping event", "node", n.path, "state", to.String())
		}
	}
	t.mu.Unlock()
}

func (t *Tree) closeWatchers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range t.watchers {
		close(w)
	}
	t.watchers = nil
}

package interceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lsm/rpcflow/internal/message"
	"github.com/lsm/rpcflow/internal/phase"
)

// State is the execution state of a Chain.
type State int

const (
	Executing State = iota
	Paused
	Complete
	Aborted
)

func (s State) String() string {
	switch s {
	case Executing:
		return "EXECUTING"
	case Paused:
		return "PAUSED"
	case Complete:
		return "COMPLETE"
	case Aborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type node struct {
	ic    Interceptor
	phase int
	prev  *node
	next  *node
}

// Chain runs interceptors ordered by phase and, within a phase, by their before/after
// constraints. Interceptors may add further interceptors to the chain while it executes;
// additions after the cursor are picked up by the running walk.
//
// A chain is driven by one flow of control at a time. Pause, Suspend, Resume, Abort and
// State may be called from any goroutine.
type Chain struct {
	mu sync.Mutex

	name  string
	set   *phase.Set
	heads []*node
	tails []*node

	// last is the most recently invoked node; the walk continues at last.next.
	last *node
	// start overrides last.next for the next step.
	start    *node
	executed []*node

	state         State
	suspended     bool
	resumeQueued  bool
	faultOccurred bool
	current       *message.Message
	depth         int

	faultObserver Observer
	metrics       MetricsRecorder
	logger        *slog.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the chain logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithFaultObserver sets the observer notified after a fault unwind.
func WithFaultObserver(o Observer) Option {
	return func(c *Chain) {
		c.faultObserver = o
	}
}

// WithMetrics records interceptor durations, faults and chain outcomes.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Chain) {
		c.metrics = m
	}
}

// WithName sets the chain name used in logs and metrics.
func WithName(name string) Option {
	return func(c *Chain) {
		c.name = name
	}
}

// NewChain creates an empty chain over the given phases.
func NewChain(set *phase.Set, opts ...Option) *Chain {
	c := &Chain{
		name:   "chain",
		set:    set,
		heads:  make([]*node, set.Len()),
		tails:  make([]*node, set.Len()),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromMessage returns the chain currently processing msg.
func FromMessage(msg *message.Message) (*Chain, bool) {
	c, ok := msg.Chain().(*Chain)
	return c, ok
}

// Name returns the chain name.
func (c *Chain) Name() string { return c.name }

// Phases returns the phase set the chain was built over.
func (c *Chain) Phases() *phase.Set { return c.set }

// Add inserts ic. Adding the identical instance twice is a no-op.
func (c *Chain) Add(ic Interceptor) error {
	return c.AddForce(ic, false)
}

// AddForce inserts ic. With force set, an instance already present is inserted again and
// runs twice. Interceptors supplied through AdditionalProvider are added as well.
func (c *Chain) AddForce(ic Interceptor, force bool) error {
	if err := c.insert(ic, force); err != nil {
		return err
	}
	if p, ok := ic.(AdditionalProvider); ok {
		for _, extra := range p.AdditionalInterceptors() {
			if err := c.AddForce(extra, force); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddAll adds each interceptor in turn, stopping at the first error.
func (c *Chain) AddAll(ics ...Interceptor) error {
	for _, ic := range ics {
		if err := c.Add(ic); err != nil {
			return err
		}
	}
	return nil
}

// AddProviders adds the interceptors of each provider in order.
func (c *Chain) AddProviders(ps ...Provider) error {
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := c.AddAll(p.Interceptors()...); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chain) insert(ic Interceptor, force bool) error {
	idx, ok := c.set.Index(ic.Phase())
	if !ok {
		return fmt.Errorf("%w: %q for interceptor %q", ErrUnknownPhase, ic.Phase(), ic.ID())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := &node{ic: ic, phase: idx}
	if c.heads[idx] == nil {
		c.linkFirstInPhase(n)
		c.logAdded(ic)
		return nil
	}

	id := ic.ID()
	before, after := ic.Before(), ic.After()

	var firstBefore, lastAfter, firstStarAfter, lastStarBefore *node
	posBefore, posAfter, posStarAfter, posStarBefore := -1, -1, -1, -1
	end := c.tails[idx].next
	pos := 0
	for cur := c.heads[idx]; cur != end; cur = cur.next {
		if !force && same(cur.ic, ic) {
			return nil
		}
		cid := cur.ic.ID()
		if firstBefore == nil && (slices.Contains(before, cid) || slices.Contains(cur.ic.After(), id)) {
			firstBefore, posBefore = cur, pos
		}
		if slices.Contains(after, cid) || slices.Contains(cur.ic.Before(), id) {
			lastAfter, posAfter = cur, pos
		}
		if firstStarAfter == nil && slices.Contains(cur.ic.After(), Wildcard) {
			firstStarAfter, posStarAfter = cur, pos
		}
		if slices.Contains(cur.ic.Before(), Wildcard) {
			lastStarBefore, posStarBefore = cur, pos
		}
		pos++
	}

	if firstBefore != nil && lastAfter != nil && posAfter >= posBefore {
		return &OrderingConflictError{
			ID:     id,
			Phase:  ic.Phase(),
			Before: firstBefore.ic.ID(),
			After:  lastAfter.ic.ID(),
		}
	}

	switch {
	case slices.Contains(before, Wildcard):
		lower, lowerPos := lastAfter, posAfter
		if lastStarBefore != nil && posStarBefore > lowerPos && (firstBefore == nil || posStarBefore < posBefore) {
			lower = lastStarBefore
		}
		if lower == nil {
			c.linkBefore(n, c.heads[idx])
		} else {
			c.linkAfter(n, lower)
		}
	case firstBefore != nil:
		c.linkBefore(n, firstBefore)
	case firstStarAfter != nil && posStarAfter > posAfter && !slices.Contains(after, Wildcard):
		c.linkBefore(n, firstStarAfter)
	default:
		c.linkAfter(n, c.tails[idx])
	}
	c.logAdded(ic)
	return nil
}

func (c *Chain) logAdded(ic Interceptor) {
	c.logger.Debug("interceptor added",
		"chain", c.name,
		"interceptor", ic.ID(),
		"phase", ic.Phase(),
	)
}

// linkFirstInPhase links n as the only node of its phase, between the tail of the nearest
// earlier phase and the head of the nearest later one.
func (c *Chain) linkFirstInPhase(n *node) {
	c.heads[n.phase] = n
	c.tails[n.phase] = n
	for i := n.phase - 1; i >= 0; i-- {
		if prev := c.tails[i]; prev != nil {
			n.prev = prev
			n.next = prev.next
			if n.next != nil {
				n.next.prev = n
			}
			prev.next = n
			return
		}
	}
	for i := n.phase + 1; i < len(c.heads); i++ {
		if next := c.heads[i]; next != nil {
			n.next = next
			next.prev = n
			return
		}
	}
}

func (c *Chain) linkBefore(n, ref *node) {
	n.prev = ref.prev
	n.next = ref
	if ref.prev != nil {
		ref.prev.next = n
	}
	ref.prev = n
	if c.heads[n.phase] == ref {
		c.heads[n.phase] = n
	}
}

func (c *Chain) linkAfter(n, ref *node) {
	n.prev = ref
	n.next = ref.next
	if ref.next != nil {
		ref.next.prev = n
	}
	ref.next = n
	if c.tails[n.phase] == ref {
		c.tails[n.phase] = n
	}
}

// Remove unlinks the first occurrence of ic. A running walk positioned on ic continues
// with its former successor.
func (c *Chain) Remove(ic Interceptor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n := c.firstLocked(); n != nil; n = n.next {
		if !same(n.ic, ic) {
			continue
		}
		p := n.phase
		switch {
		case c.heads[p] == n && c.tails[p] == n:
			c.heads[p], c.tails[p] = nil, nil
		case c.heads[p] == n:
			c.heads[p] = n.next
		case c.tails[p] == n:
			c.tails[p] = n.prev
		}
		if n.prev != nil {
			n.prev.next = n.next
		}
		if n.next != nil {
			n.next.prev = n.prev
		}
		return true
	}
	return false
}

func (c *Chain) firstLocked() *node {
	for _, h := range c.heads {
		if h != nil {
			return h
		}
	}
	return nil
}

func (c *Chain) findLocked(id string) *node {
	for n := c.firstLocked(); n != nil; n = n.next {
		if n.ic.ID() == id {
			return n
		}
	}
	return nil
}

// Iterator walks the chain in effective order. It reads links live, so interceptors added
// ahead of its position are seen.
type Iterator struct {
	c       *Chain
	cur     *node
	started bool
}

// Iterator returns an iterator positioned before the first interceptor.
func (c *Chain) Iterator() *Iterator {
	return &Iterator{c: c}
}

// Next advances the iterator and reports whether an interceptor is available.
func (it *Iterator) Next() bool {
	it.c.mu.Lock()
	defer it.c.mu.Unlock()
	if !it.started {
		it.started = true
		it.cur = it.c.firstLocked()
	} else if it.cur != nil {
		it.cur = it.cur.next
	}
	return it.cur != nil
}

// Interceptor returns the interceptor at the current position.
func (it *Iterator) Interceptor() Interceptor {
	if it.cur == nil {
		return nil
	}
	return it.cur.ic
}

// Interceptors returns the interceptors in effective order.
func (c *Chain) Interceptors() []Interceptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Interceptor
	for n := c.firstLocked(); n != nil; n = n.next {
		out = append(out, n.ic)
	}
	return out
}

// Len returns the number of interceptors in the chain.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for n := c.firstLocked(); n != nil; n = n.next {
		count++
	}
	return count
}

// State returns the current execution state.
func (c *Chain) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pause stops the walk after the running interceptor returns. Resume continues with the
// next interceptor.
func (c *Chain) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Aborted {
		return
	}
	c.state = Paused
}

// Suspend pauses the chain and makes the running DoIntercept report ErrSuspended, so the
// caller knows the invocation is parked rather than finished.
func (c *Chain) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Aborted {
		return
	}
	c.state = Paused
	c.suspended = true
}

// Unpause makes a paused chain executable again without running it.
func (c *Chain) Unpause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Paused {
		c.state = Executing
		c.suspended = false
	}
}

// Resume continues a paused chain from its cursor with the message it was processing.
//
// While a walk is still running, on this or another goroutine, the resume is queued and
// Resume returns ErrResumeQueued: the running walk continues instead of parking, so a
// completion that arrives before the walk has paused is not lost and the chain never has
// two walkers. A queued resume is dropped if the walk ends without pausing. Resume returns
// ErrNotPaused when there is nothing to continue.
func (c *Chain) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.depth > 0 {
		c.resumeQueued = true
		c.mu.Unlock()
		return ErrResumeQueued
	}
	if c.state != Paused {
		c.mu.Unlock()
		return ErrNotPaused
	}
	c.state = Executing
	c.suspended = false
	msg := c.current
	c.mu.Unlock()
	if msg == nil {
		return ErrNotPaused
	}
	return c.DoIntercept(ctx, msg)
}

// Abort stops the chain for good. An interceptor already running is not interrupted.
func (c *Chain) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Aborted
}

// Reset rewinds the cursor so the chain can process another message. An aborted chain
// stays aborted.
func (c *Chain) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = nil
	c.start = nil
	c.executed = nil
	c.current = nil
	c.faultOccurred = false
	c.suspended = false
	c.resumeQueued = false
	if c.state != Aborted {
		c.state = Executing
	}
}

// FaultObserver returns the observer notified after a fault unwind.
func (c *Chain) FaultObserver() Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faultObserver
}

// SetFaultObserver replaces the fault observer.
func (c *Chain) SetFaultObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faultObserver = o
}

// DoInterceptStartingAfter runs the chain beginning with the successor of the first
// interceptor with the given id.
func (c *Chain) DoInterceptStartingAfter(ctx context.Context, msg *message.Message, id string) error {
	c.mu.Lock()
	n := c.findLocked(id)
	if n == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	c.last = n
	c.start = nil
	c.executed = nil
	c.mu.Unlock()
	return c.DoIntercept(ctx, msg)
}

// DoInterceptStartingAt runs the chain beginning with the first interceptor with the given id.
func (c *Chain) DoInterceptStartingAt(ctx context.Context, msg *message.Message, id string) error {
	c.mu.Lock()
	n := c.findLocked(id)
	if n == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	c.last = n.prev
	c.start = n
	c.executed = nil
	c.mu.Unlock()
	return c.DoIntercept(ctx, msg)
}

// DoIntercept runs interceptors from the cursor until the chain completes, pauses or
// faults. It may be called again from inside an interceptor to run the rest of the chain
// before continuing its own work.
//
// A fault raised by an interceptor is recorded on msg, unwound through HandleFault in
// reverse order and passed to the fault observer; DoIntercept then returns nil with the
// chain Complete. A suspended invocation returns an error matching ErrSuspended. A panic
// inside HandleFault aborts the chain and is returned as a *PanicError.
func (c *Chain) DoIntercept(ctx context.Context, msg *message.Message) error {
	msg.SetChain(c)

	c.mu.Lock()
	c.current = msg
	c.depth++
	c.mu.Unlock()

	for {
		err := c.walk(ctx, msg)
		if !c.leave() {
			return err
		}
		c.logger.Debug("continuing with queued resume",
			"chain", c.name,
			"message_id", msg.ID(),
		)
	}
}

func (c *Chain) walk(ctx context.Context, msg *message.Message) error {
	for {
		c.mu.Lock()
		if c.state != Executing {
			c.mu.Unlock()
			return nil
		}
		n := c.advanceLocked()
		if n == nil {
			c.state = Complete
			c.mu.Unlock()
			return nil
		}
		c.last = n
		c.executed = append(c.executed, n)
		c.mu.Unlock()

		err := c.invoke(ctx, n, msg)

		c.mu.Lock()
		suspended := c.suspended
		c.mu.Unlock()

		switch {
		case err == nil && suspended:
			return &SuspendedInvocationError{}
		case err == nil:
			continue
		case errors.Is(err, ErrSuspended):
			c.mu.Lock()
			c.backOffLocked(n)
			if c.state != Aborted {
				c.state = Paused
			}
			c.suspended = true
			c.mu.Unlock()
			c.logger.Debug("invocation suspended",
				"chain", c.name,
				"interceptor", n.ic.ID(),
				"message_id", msg.ID(),
			)
			return err
		default:
			return c.fault(ctx, n, msg, err)
		}
	}
}

func (c *Chain) advanceLocked() *node {
	if c.start != nil {
		n := c.start
		c.start = nil
		return n
	}
	if c.last == nil {
		return c.firstLocked()
	}
	return c.last.next
}

// backOffLocked rewinds the cursor so n runs again on resume.
func (c *Chain) backOffLocked(n *node) {
	c.start = n
	c.last = n.prev
	if k := len(c.executed); k > 0 && c.executed[k-1] == n {
		c.executed = c.executed[:k-1]
	}
}

// leave ends one walk. The outermost walk reports true, keeping its depth, when a resume
// was queued while it ran and the chain has since paused; the caller then walks on.
func (c *Chain) leave() bool {
	c.mu.Lock()
	if c.depth == 1 && c.resumeQueued && c.state == Paused {
		c.resumeQueued = false
		c.state = Executing
		c.suspended = false
		c.mu.Unlock()
		return true
	}
	c.depth--
	if c.depth > 0 {
		c.mu.Unlock()
		return false
	}
	c.resumeQueued = false
	if c.metrics == nil {
		c.mu.Unlock()
		return false
	}
	var outcome string
	switch {
	case c.state == Paused && c.suspended:
		outcome = "suspended"
	case c.state == Paused:
		outcome = "paused"
	case c.state == Aborted:
		outcome = "aborted"
	case c.faultOccurred:
		outcome = "faulted"
	default:
		outcome = "complete"
	}
	name := c.name
	c.mu.Unlock()
	c.metrics.IncExecution(name, outcome)
	return false
}

func (c *Chain) invoke(ctx context.Context, n *node, msg *message.Message) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{ID: n.ic.ID(), Value: r, Stack: debug.Stack()}
		}
		if c.metrics != nil {
			c.metrics.ObserveInterceptor(n.ic.Phase(), time.Since(start).Seconds())
		}
	}()
	c.logger.Debug("invoking interceptor",
		"chain", c.name,
		"interceptor", n.ic.ID(),
		"phase", n.ic.Phase(),
		"message_id", msg.ID(),
	)
	return n.ic.HandleMessage(ctx, msg)
}

func (c *Chain) fault(ctx context.Context, n *node, msg *message.Message, err error) error {
	c.mu.Lock()
	if c.faultOccurred {
		c.state = Aborted
		c.mu.Unlock()
		return err
	}
	c.faultOccurred = true
	executed := slices.Clone(c.executed)
	c.mu.Unlock()

	msg.SetFault(err)
	if c.metrics != nil {
		c.metrics.IncFault(n.ic.Phase())
	}

	desc := fmt.Sprintf("interceptor %s in phase %s failed, unwinding chain", n.ic.ID(), n.ic.Phase())
	useDefaultLogging := true
	if l := faultListener(msg); l != nil {
		useDefaultLogging = l.FaultOccurred(err, desc, msg)
	}
	if useDefaultLogging {
		c.logger.Warn("interceptor fault, unwinding chain",
			"chain", c.name,
			"interceptor", n.ic.ID(),
			"phase", n.ic.Phase(),
			"message_id", msg.ID(),
			"error", err,
		)
	}

	if perr := c.unwind(ctx, executed, msg); perr != nil {
		c.mu.Lock()
		c.state = Aborted
		c.mu.Unlock()
		return perr
	}

	c.mu.Lock()
	if c.state == Executing {
		c.state = Complete
	}
	observer := c.faultObserver
	c.mu.Unlock()

	if observer != nil && !oneWay(msg) {
		observer.OnMessage(ctx, msg)
	}
	return nil
}

func (c *Chain) unwind(ctx context.Context, executed []*node, msg *message.Message) (err error) {
	for i := len(executed) - 1; i >= 0; i-- {
		ic := executed[i].ic
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{ID: ic.ID(), Value: r, Stack: debug.Stack()}
				}
			}()
			ic.HandleFault(ctx, msg)
		}()
		if err != nil {
			return err
		}
	}
	return nil
}

func oneWay(msg *message.Message) bool {
	ex := msg.Exchange()
	return ex != nil && ex.OneWay()
}

// String dumps the current flow, one line per non-empty phase.
func (c *Chain) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Chain %s. Current flow:", c.name)
	for i, h := range c.heads {
		if h == nil {
			continue
		}
		ids := make([]string, 0, 4)
		for n := h; n != c.tails[i].next; n = n.next {
			ids = append(ids, n.ic.ID())
		}
		fmt.Fprintf(&sb, "\n  %s [%s]", c.set.Get(i).Name, strings.Join(ids, ", "))
	}
	return sb.String()
}

// clone returns an idle chain with the same interceptors in the same order.
func (c *Chain) clone(opts ...Option) *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := &Chain{
		name:          c.name,
		set:           c.set,
		heads:         make([]*node, len(c.heads)),
		tails:         make([]*node, len(c.tails)),
		faultObserver: c.faultObserver,
		metrics:       c.metrics,
		logger:        c.logger,
	}
	for _, opt := range opts {
		opt(out)
	}
	var prev *node
	for n := c.firstLocked(); n != nil; n = n.next {
		cp := &node{ic: n.ic, phase: n.phase, prev: prev}
		if prev != nil {
			prev.next = cp
		}
		if out.heads[cp.phase] == nil {
			out.heads[cp.phase] = cp
		}
		out.tails[cp.phase] = cp
		prev = cp
	}
	return out
}

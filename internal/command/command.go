// Package command runs bpfmand's single writer task (spec.md §4.6): a
// serialized command dispatcher that is the sole mutator of both the
// registry and the durable store. It is the central orchestrator, wiring
// together the registry, the qdisc-destroy observer, and the control-socket
// front-end — generalized from the teacher's internal/agent.Agent, which
// plays the same role wiring watchers, queue, and transport.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bpfman/bpfmand/internal/audit"
	"github.com/bpfman/bpfmand/internal/bpfmanerr"
	"github.com/bpfman/bpfmand/internal/bytecode"
	"github.com/bpfman/bpfmand/internal/kernel"
	"github.com/bpfman/bpfmand/internal/registry"
)

// Kind identifies which registry operation a Command carries out.
type Kind int

const (
	KindLoad Kind = iota
	KindUnload
	KindAttach
	KindDetach
	KindList
	KindGet
	KindPullBytecode
)

func (k Kind) String() string {
	switch k {
	case KindLoad:
		return "Load"
	case KindUnload:
		return "Unload"
	case KindAttach:
		return "Attach"
	case KindDetach:
		return "Detach"
	case KindList:
		return "List"
	case KindGet:
		return "Get"
	case KindPullBytecode:
		return "PullBytecode"
	default:
		return "Unknown"
	}
}

// Command is one request pushed into the dispatcher's queue. Exactly one of
// the *Args fields is populated, matching Kind.
type Command struct {
	Kind Kind

	LoadArgs         *LoadArgs
	UnloadArgs       *UnloadArgs
	AttachArgs       *AttachArgs
	DetachArgs       *DetachArgs
	ListArgs         *ListArgs
	GetArgs          *GetArgs
	PullBytecodeArgs *PullBytecodeArgs

	reply chan Result
}

// LoadArgs is the payload for a Load command (registry.AddProgram).
type LoadArgs struct {
	Spec registry.ProgramSpec
}

// UnloadArgs is the payload for an Unload command (registry.RemoveProgram).
type UnloadArgs struct {
	ProgramID uint32
}

// AttachArgs is the payload for an Attach command (registry.AddLink).
type AttachArgs struct {
	ProgramID uint32
	Attach    registry.AttachSpec
}

// DetachArgs is the payload for a Detach command (registry.RemoveLink).
type DetachArgs struct {
	LinkID uint32
}

// ListArgs is the payload for a List command.
type ListArgs struct {
	Filter registry.ListFilter
}

// GetArgs is the payload for a Get command; exactly one of ProgramID or
// LinkID should be set by the caller.
type GetArgs struct {
	ProgramID *uint32
	LinkID    *uint32
}

// PullBytecodeArgs is the payload for a PullBytecode command: resolve a
// bytecode Location into verified bytes without loading it, used by
// control-socket callers that want to pre-fetch and warm the cache before a
// Load (spec.md §4.6, SPEC_FULL.md §6 "POST /v1/bytecode:pull").
type PullBytecodeArgs struct {
	Location   string
	PullPolicy bytecode.PullPolicy
	Auth       *bytecode.Auth
}

// Result is what a Command's reply channel carries back.
type Result struct {
	ProgramID uint32
	LinkID    uint32
	Programs  []registry.Program
	Program   registry.Program
	Link      registry.Link
	Bytecode  []byte
	Cached    bool
	Err       error
}

// Dispatcher is bpfmand's single writer task (spec.md §4.6, §5 "the command
// dispatcher is the sole writer to the store and to hook state"). It owns a
// registry.Registry and a kernel.Facility and processes commands strictly
// one at a time off a bounded queue.
type Dispatcher struct {
	logger   *slog.Logger
	registry *registry.Registry
	facility kernel.Facility
	audit    *audit.Logger
	bytecode *bytecode.Provider

	queue chan *Command

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
}

// QueueDepth is the default bounded capacity of the command queue (spec.md
// §4.6 "bounded in-memory queue with backpressure").
const QueueDepth = 256

// New constructs a Dispatcher. Call Start to begin processing commands.
func New(logger *slog.Logger, reg *registry.Registry, facility kernel.Facility) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		registry: reg,
		facility: facility,
		queue:    make(chan *Command, QueueDepth),
	}
}

// WithAudit attaches an audit.Logger that records every command this
// dispatcher executes. It returns d for chaining after New.
func (d *Dispatcher) WithAudit(l *audit.Logger) *Dispatcher {
	d.audit = l
	return d
}

// WithBytecode attaches the bytecode.Provider used to resolve
// KindPullBytecode commands. Without one, PullBytecode fails with
// KindInternal rather than a dead no-op; the control socket registers the
// pull route whether or not a provider is configured.
func (d *Dispatcher) WithBytecode(p *bytecode.Provider) *Dispatcher {
	d.bytecode = p
	return d
}

// Start runs the dispatcher's processing loop and the qdisc-destroy event
// loop in background goroutines. It returns immediately; Stop blocks until
// both have exited.
func (d *Dispatcher) Start(ctx context.Context, qdiscEvents <-chan kernel.QdiscDestroyedEvent) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("command: dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go d.run(ctx)

	if qdiscEvents != nil {
		d.wg.Add(1)
		go d.watchQdiscDestroyed(ctx, qdiscEvents)
	}

	d.logger.Info("command dispatcher started", slog.Int("queue_depth", QueueDepth))
	return nil
}

// Stop drains no further commands, cancels background loops, and waits for
// them to exit. Commands already accepted into the queue are still
// processed before run() observes cancellation and returns, matching
// spec.md §5's "drain the dispatcher queue" shutdown guidance — callers
// should stop submitting before calling Stop for a clean drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	close(d.queue)
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("command dispatcher stopped")
}

// Submit enqueues cmd and blocks until it has been processed, returning its
// Result. It returns an error immediately, without enqueuing, if the queue
// is full (spec.md §4.6 "backpressure").
func (d *Dispatcher) Submit(ctx context.Context, cmd *Command) (Result, error) {
	cmd.reply = make(chan Result, 1)
	select {
	case d.queue <- cmd:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
		return Result{}, fmt.Errorf("command: queue full, backpressure")
	}

	select {
	case res := <-cmd.reply:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case cmd, ok := <-d.queue:
			if !ok {
				return
			}
			d.execute(ctx, cmd)
		case <-ctx.Done():
			// Drain commands already accepted into the queue so each of
			// them still gets a reply.
			for {
				select {
				case cmd, ok := <-d.queue:
					if !ok {
						return
					}
					d.execute(ctx, cmd)
				default:
					return
				}
			}
		}
	}
}

// execute runs exactly one command to completion and posts its Result. It
// is only ever called from run's single goroutine, which is what gives the
// registry and hook state their serialization (spec.md §5).
func (d *Dispatcher) execute(ctx context.Context, cmd *Command) {
	var res Result
	switch cmd.Kind {
	case KindLoad:
		res = d.doLoad(ctx, cmd.LoadArgs)
	case KindUnload:
		res = d.doUnload(ctx, cmd.UnloadArgs)
	case KindAttach:
		res = d.doAttach(ctx, cmd.AttachArgs)
	case KindDetach:
		res = d.doDetach(ctx, cmd.DetachArgs)
	case KindList:
		res = d.doList(cmd.ListArgs)
	case KindGet:
		res = d.doGet(cmd.GetArgs)
	case KindPullBytecode:
		res = d.doPullBytecode(ctx, cmd.PullBytecodeArgs)
	default:
		res = Result{Err: fmt.Errorf("command: unknown command kind %v", cmd.Kind)}
	}

	if res.Err != nil {
		d.logger.Warn("command failed", slog.String("kind", cmd.Kind.String()), slog.Any("error", res.Err))
	}
	d.recordAudit(cmd, res)
	cmd.reply <- res
}

// recordAudit appends one CommandRecord for cmd's outcome, if an audit
// logger is attached. Audit write failures never fail the command itself
// (spec.md §7: a store-write failure after a successful kernel op is logged
// and left for the next rebuild-on-start) — they're logged and dropped.
func (d *Dispatcher) recordAudit(cmd *Command, res Result) {
	if d.audit == nil {
		return
	}
	rec := audit.CommandRecord{Command: cmd.Kind.String(), Detail: detailFor(cmd), OK: res.Err == nil}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if _, err := d.audit.AppendCommand(rec); err != nil {
		d.logger.Warn("audit append failed", slog.String("kind", cmd.Kind.String()), slog.Any("error", err))
	}
}

func detailFor(cmd *Command) string {
	switch cmd.Kind {
	case KindLoad:
		return fmt.Sprintf("name=%s kind=%s", cmd.LoadArgs.Spec.Name, cmd.LoadArgs.Spec.Kind)
	case KindUnload:
		return fmt.Sprintf("program_id=%d", cmd.UnloadArgs.ProgramID)
	case KindAttach:
		return fmt.Sprintf("program_id=%d", cmd.AttachArgs.ProgramID)
	case KindDetach:
		return fmt.Sprintf("link_id=%d", cmd.DetachArgs.LinkID)
	case KindGet:
		if cmd.GetArgs.ProgramID != nil {
			return fmt.Sprintf("program_id=%d", *cmd.GetArgs.ProgramID)
		}
		if cmd.GetArgs.LinkID != nil {
			return fmt.Sprintf("link_id=%d", *cmd.GetArgs.LinkID)
		}
		return ""
	case KindPullBytecode:
		return fmt.Sprintf("location=%s", cmd.PullBytecodeArgs.Location)
	default:
		return ""
	}
}

func (d *Dispatcher) doLoad(ctx context.Context, args *LoadArgs) Result {
	id, err := d.registry.AddProgram(ctx, args.Spec)
	return Result{ProgramID: id, Err: err}
}

func (d *Dispatcher) doUnload(ctx context.Context, args *UnloadArgs) Result {
	err := d.registry.RemoveProgram(ctx, args.ProgramID)
	return Result{Err: err}
}

func (d *Dispatcher) doAttach(ctx context.Context, args *AttachArgs) Result {
	id, err := d.registry.AddLink(ctx, args.ProgramID, args.Attach)
	return Result{LinkID: id, Err: err}
}

func (d *Dispatcher) doDetach(ctx context.Context, args *DetachArgs) Result {
	err := d.registry.RemoveLink(ctx, args.LinkID)
	return Result{Err: err}
}

func (d *Dispatcher) doList(args *ListArgs) Result {
	return Result{Programs: d.registry.List(args.Filter)}
}

func (d *Dispatcher) doGet(args *GetArgs) Result {
	if args.ProgramID != nil {
		p, err := d.registry.GetProgram(*args.ProgramID)
		return Result{Program: p, Err: err}
	}
	if args.LinkID != nil {
		l, err := d.registry.GetLink(*args.LinkID)
		return Result{Link: l, Err: err}
	}
	return Result{Err: fmt.Errorf("command: Get requires a program id or link id")}
}

// doPullBytecode resolves args.Location through the attached
// bytecode.Provider without loading the result into the registry, so a
// caller can pre-warm the cache (or validate a signed image) ahead of a
// Load. It runs on the dispatcher's single goroutine like every other
// command, but unlike Load/Unload/Attach/Detach it never touches the
// registry or kernel facility — it's serialized here only so its outcome
// gets the same one audit record per command as everything else.
func (d *Dispatcher) doPullBytecode(ctx context.Context, args *PullBytecodeArgs) Result {
	if d.bytecode == nil {
		return Result{Err: bpfmanerr.New(bpfmanerr.KindInternal, "command.doPullBytecode", "no bytecode provider configured")}
	}
	data, cached, err := d.bytecode.FetchCached(ctx, args.Location, args.PullPolicy, args.Auth)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Bytecode: data, Cached: cached}
}

// watchQdiscDestroyed drains the qdisc-destroy observer's event channel and
// marks the matching TC hook as detached bookkeeping-only, per spec.md
// §4.4.2's note that an externally destroyed clsact qdisc must not be
// recreated blindly on the next install. The events come from
// kernel.WatchQdiscDestroyed, which cmd/bpfmand starts and which polls the
// tracked interfaces' qdiscs over netlink.
func (d *Dispatcher) watchQdiscDestroyed(ctx context.Context, events <-chan kernel.QdiscDestroyedEvent) {
	defer d.wg.Done()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			d.handleQdiscDestroyed(evt)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) handleQdiscDestroyed(evt kernel.QdiscDestroyedEvent) {
	if !d.registry.MarkTCDetached(evt.Ifindex, evt.Egress) {
		return
	}
	d.logger.Warn("clsact qdisc destroyed externally, marking hook detached",
		slog.Int("ifindex", evt.Ifindex), slog.Bool("egress", evt.Egress))
}

// Package clientproto implements the client-side protocol state machine:
// command correlation with timeout, the subscription registry, and the
// incoming-frame router that demuxes a single transport into both.
package clientproto

import (
	"sync"
	"sync/atomic"

	"github.com/odin-labs/eventcore/internal/wire"
)

// CommandResult is the tagged union of Success/Failure delivered to
// sendCommand's caller (spec §3).
type CommandResult struct {
	Success bool

	Position *wire.Position

	ErrorKind   string
	Message     string
	CommandId   string
	TimeoutMs   int64
}

// pendingCommand tracks one in-flight command: CommandId and completion
// sink (the deadline is SendCommand's own timer). Exactly one of {result received, deadline fired, transport
// gone, scope cancelled} completes it, enforced by the atomic done flag
// (spec I3/P2).
type pendingCommand struct {
	id     string
	result chan CommandResult
	done   int32 // atomic test-and-set
}

// complete delivers result exactly once; subsequent calls are no-ops. This
// is the single choke point that guarantees I3 (a PendingCommand completes
// at most once) regardless of which of the three terminal signals fires
// first.
func (p *pendingCommand) complete(result CommandResult) {
	if !atomic.CompareAndSwapInt32(&p.done, 0, 1) {
		return
	}
	p.result <- result
	close(p.result)
}

// pendingRegistry is the CommandId -> pendingCommand map, guarded by a
// single mutex so concurrent sendCommand callers never observe torn state.
type pendingRegistry struct {
	mu      sync.Mutex
	entries map[string]*pendingCommand
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{entries: make(map[string]*pendingCommand)}
}

func (r *pendingRegistry) add(p *pendingCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.id] = p
}

func (r *pendingRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

func (r *pendingRegistry) get(id string) (*pendingCommand, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[id]
	return p, ok
}

// completeAll fires Disconnected on every still-pending command - used on
// transport loss.
func (r *pendingRegistry) completeAll(kind string) {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*pendingCommand)
	r.mu.Unlock()

	for id, p := range entries {
		p.complete(CommandResult{Success: false, ErrorKind: kind, CommandId: id})
	}
}

// Package dispatch maps message types to their priority floor and the
// ordered list of handlers run for every inbound frame of that type.
//
// The table is built once at startup by invoking a fixed set of modules and
// then frozen; lookups after Freeze take no locks.
package dispatch

import (
	"fmt"
	"sync/atomic"

	"github.com/energizer-project/relay/internal/priority"
	"github.com/energizer-project/relay/internal/protocol"
)

// Handler processes one inbound frame. Returned errors are logged by the
// dispatcher and never stop the remaining handlers.
type Handler func(ctx *Context) error

// Module registers a group of handlers and floors.
type Module func(t *Table)

type entry struct {
	floor    priority.Level
	ordered  bool
	handlers []Handler
}

var noHandlers = []Handler{}

// Table is the message type registration table.
type Table struct {
	entries [256]entry
	frozen  atomic.Bool
}

// NewTable returns a table where every type has a Normal floor and no handlers.
func NewTable() *Table {
	t := &Table{}
	for i := range t.entries {
		t.entries[i].floor = priority.Normal
	}
	return t
}

// Build creates a table, applies modules in order and freezes it.
func Build(modules ...Module) *Table {
	t := NewTable()
	for _, m := range modules {
		m(t)
	}
	t.Freeze()
	return t
}

func (t *Table) mustBeOpen(op string, msgType protocol.MessageType) {
	if t.frozen.Load() {
		panic(fmt.Sprintf("dispatch: %s(%s) after the table was frozen", op, msgType))
	}
}

// Register appends handler to the handlers of msgType.
func (t *Table) Register(msgType protocol.MessageType, handler Handler) {
	t.mustBeOpen("Register", msgType)
	if handler == nil {
		panic(fmt.Sprintf("dispatch: nil handler for %s", msgType))
	}
	e := &t.entries[msgType]
	e.handlers = append(e.handlers, handler)
}

// SetMinimumPriority sets the priority floor of msgType.
func (t *Table) SetMinimumPriority(msgType protocol.MessageType, level priority.Level) {
	t.mustBeOpen("SetMinimumPriority", msgType)
	t.entries[msgType].floor = level
}

// RaiseMinimumPriority sets the floor of msgType to level unless it is
// already higher.
func (t *Table) RaiseMinimumPriority(msgType protocol.MessageType, level priority.Level) {
	t.mustBeOpen("RaiseMinimumPriority", msgType)
	e := &t.entries[msgType]
	e.floor = priority.Max(e.floor, level)
}

// SetOrdered marks msgType as order sensitive. Frames of such types are
// dispatched in arrival order per sender instead of through the worker pool.
func (t *Table) SetOrdered(msgType protocol.MessageType) {
	t.mustBeOpen("SetOrdered", msgType)
	t.entries[msgType].ordered = true
}

// Freeze ends the registration phase.
func (t *Table) Freeze() { t.frozen.Store(true) }

// Frozen reports whether registration has ended.
func (t *Table) Frozen() bool { return t.frozen.Load() }

// Priority returns the floor of msgType.
func (t *Table) Priority(msgType protocol.MessageType) priority.Level {
	return t.entries[msgType].floor
}

// Ordered reports whether msgType was marked with SetOrdered.
func (t *Table) Ordered(msgType protocol.MessageType) bool {
	return t.entries[msgType].ordered
}

// Effective returns the priority a frame of msgType is queued with when the
// caller asked for requested.
func (t *Table) Effective(msgType protocol.MessageType, requested priority.Level) priority.Level {
	return priority.Max(requested, t.entries[msgType].floor)
}

// HandlersFor returns the handlers of msgType in registration order. The
// result is never nil and must not be modified.
func (t *Table) HandlersFor(msgType protocol.MessageType) []Handler {
	if h := t.entries[msgType].handlers; h != nil {
		return h
	}
	return noHandlers
}

// Registered returns the message types that have at least one handler.
func (t *Table) Registered() []protocol.MessageType {
	var types []protocol.MessageType
	for i := range t.entries {
		if len(t.entries[i].handlers) > 0 {
			types = append(types, protocol.MessageType(i))
		}
	}
	return types
}

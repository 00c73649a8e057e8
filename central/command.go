package central

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/user/bproximity/gattid"
	"github.com/user/bproximity/radio"
)

// CommandKind identifies the variant of a Command
type CommandKind int

const (
	CommandRead CommandKind = iota
	CommandWrite
	CommandCancel
)

func (k CommandKind) String() string {
	switch k {
	case CommandRead:
		return "read"
	case CommandWrite:
		return "write"
	case CommandCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// ReadHandler receives the outcome of a Read: the value, or an error.
type ReadHandler func(h radio.DeviceHandle, characteristic uuid.UUID, value []byte, err error)

// ValueProvider produces the bytes for a Write at the moment it executes.
// Returning nil skips the write.
type ValueProvider func() []byte

// Disconnector lets a Cancel callback tear down the link.
type Disconnector interface {
	Disconnect()
}

// CancelHandler is invoked when a Cancel command is reached.
type CancelHandler func(d Disconnector)

// Command is one step run against a connected peer. Commands are immutable
// values; build them with Read, Write and Cancel.
type Command struct {
	kind           CommandKind
	characteristic uuid.UUID
	onRead         ReadHandler
	value          ValueProvider
	onCancel       CancelHandler
}

// Read issues a characteristic read and waits for its completion before the
// queue advances.
func Read(characteristic uuid.UUID, onComplete ReadHandler) Command {
	return Command{kind: CommandRead, characteristic: characteristic, onRead: onComplete}
}

// Write evaluates value when executed, writes without response and advances
// immediately.
func Write(characteristic uuid.UUID, value ValueProvider) Command {
	return Command{kind: CommandWrite, characteristic: characteristic, value: value}
}

// Cancel hands a Disconnector to onCancelled and stops the queue.
func Cancel(onCancelled CancelHandler) Command {
	return Command{kind: CommandCancel, onCancel: onCancelled}
}

// Kind returns the command variant.
func (c Command) Kind() CommandKind {
	return c.kind
}

// Characteristic returns the target characteristic (zero for Cancel).
func (c Command) Characteristic() uuid.UUID {
	return c.characteristic
}

func (c Command) String() string {
	if c.kind == CommandCancel {
		return "Cancel"
	}
	return fmt.Sprintf("%s(%s)", c.kind, gattid.Name(c.characteristic))
}

// Queue is a session's private copy of the command template, consumed front
// to back.
type Queue struct {
	commands []Command
	pos      int
}

// NewQueue copies template so sessions never share queue state.
func NewQueue(template []Command) *Queue {
	cmds := make([]Command, len(template))
	copy(cmds, template)
	return &Queue{commands: cmds}
}

// Next pops the head command.
func (q *Queue) Next() (Command, bool) {
	if q.pos >= len(q.commands) {
		return Command{}, false
	}
	cmd := q.commands[q.pos]
	q.pos++
	return cmd, true
}

// Position returns how many commands have been popped.
func (q *Queue) Position() int {
	return q.pos
}

// Len returns the total number of commands.
func (q *Queue) Len() int {
	return len(q.commands)
}

// Remaining returns how many commands are still queued.
func (q *Queue) Remaining() int {
	return len(q.commands) - q.pos
}

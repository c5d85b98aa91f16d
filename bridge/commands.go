// Package bridge exposes an SPI peripheral's registers and bus lines over
// the framed serial link, so the engine can run on a host while a small
// firmware performs the register accesses.
package bridge

import (
	"errors"
	"sync"

	"spiavr/protocol"
)

// Command and response ids. Both sides register the messages in this order.
const (
	CmdRegWrite uint16 = iota
	CmdRegRead
	CmdLineDirection
	CmdLineLevel
	RspRegValue
	RspExchange
)

// Register selectors used by reg_write and reg_read
const (
	RegControl uint8 = iota
	RegData
	RegStatus
)

var (
	ErrUnknownCommand  = errors.New("bridge: unknown command")
	ErrUnknownRegister = errors.New("bridge: unknown register")
)

// Handler decodes its arguments from data and runs a command
type Handler func(data *[]byte) error

// Message is one entry of the message dictionary
type Message struct {
	ID      uint16
	Name    string
	Format  string // e.g. "reg=%c value=%c"
	Handler Handler
}

// Registry maps message ids to their handlers
type Registry struct {
	mu         sync.RWMutex
	messages   map[uint16]*Message
	nameToID   map[string]uint16
	nextID     uint16
	dictionary string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		messages: make(map[uint16]*Message),
		nameToID: make(map[string]uint16),
	}
}

// Register adds a message and returns its id. Registering a name twice
// returns the existing id.
func (r *Registry) Register(name, format string, handler Handler) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, exists := r.nameToID[name]; exists {
		return id
	}

	id := r.nextID
	r.nextID++
	r.messages[id] = &Message{ID: id, Name: name, Format: format, Handler: handler}
	r.nameToID[name] = id
	r.rebuildDictionary()
	return id
}

// RegisterResponse adds a firmware to host message
func (r *Registry) RegisterResponse(name, format string) uint16 {
	return r.Register(name, format, nil)
}

// Lookup returns the id registered for name
func (r *Registry) Lookup(name string) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.nameToID[name]
	return id, ok
}

// Dispatch runs the handler of cmdID
func (r *Registry) Dispatch(cmdID uint16, data *[]byte) error {
	r.mu.RLock()
	msg, ok := r.messages[cmdID]
	r.mu.RUnlock()
	if !ok || msg.Handler == nil {
		return ErrUnknownCommand
	}
	return msg.Handler(data)
}

// Dictionary returns one "name format" line per message in id order
func (r *Registry) Dictionary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dictionary
}

// Must be called with lock held
func (r *Registry) rebuildDictionary() {
	dict := ""
	for i := uint16(0); i < r.nextID; i++ {
		msg, ok := r.messages[i]
		if !ok {
			continue
		}
		if msg.Format != "" {
			dict += msg.Name + " " + msg.Format + "\n"
		} else {
			dict += msg.Name + "\n"
		}
	}
	r.dictionary = dict
}

func decodeByte(data *[]byte) (uint8, error) {
	return protocol.DecodeVLQByte(data)
}

func decodeBool(data *[]byte) (bool, error) {
	v, err := protocol.DecodeVLQByte(data)
	return v != 0, err
}

func boolArg(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Package bus routes client commands to the engine and fans engine events
// out to subscribers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/deckcache/deckcache/log"
	"github.com/deckcache/deckcache/pkg/cache/engine"
)

// CommandType names a client request.
type CommandType string

const (
	CmdActivateDataCaching   CommandType = "ACTIVATE_DATA_CACHING"
	CmdDeactivateDataCaching CommandType = "DEACTIVATE_DATA_CACHING"
	CmdCacheStatus           CommandType = "CACHE_STATUS"
	CmdCacheDataAll          CommandType = "CACHE_DATA_ALL"
	CmdCacheDataPresentation CommandType = "CACHE_DATA_PRESENTATION"
	CmdNukeData              CommandType = "NUKE_DATA"
)

// ErrUnknownCommand is returned for command types the bus does not route.
var ErrUnknownCommand = errors.New("cache bus: unknown command")

// CommandPayload carries command arguments.
type CommandPayload struct {
	ID string `json:"id,omitempty"`
}

// Command is one client request.
type Command struct {
	Type    CommandType    `json:"type"`
	Payload CommandPayload `json:"payload,omitempty"`
}

// EngineControl is the engine surface the bus drives.
type EngineControl interface {
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	CacheAll(ctx context.Context) error
	CachePresentation(ctx context.Context, presentationID string) error
	Status(ctx context.Context) (*engine.StatusSnapshot, error)
	Nuke(ctx context.Context) error
}

// Handler receives broadcast events.
type Handler func(ev engine.Event)

// Bus connects one engine to many event subscribers. It implements
// engine.Publisher so the engine can be constructed with the bus as its sink
// before Bind wires the command direction.
type Bus struct {
	log *log.LogHandle

	mu     sync.RWMutex
	engine EngineControl
	subs   map[string]Handler
	closed bool

	wg sync.WaitGroup
}

// New constructs an unbound bus.
func New() *Bus {
	return &Bus{
		log:  log.GetLogger("bus"),
		subs: make(map[string]Handler),
	}
}

// Bind attaches the engine commands are dispatched to.
func (b *Bus) Bind(e EngineControl) {
	b.mu.Lock()
	b.engine = e
	b.mu.Unlock()
}

// Subscribe registers a handler for every published event. The returned
// function removes the subscription.
func (b *Bus) Subscribe(h Handler) func() {
	id := uuid.NewString()

	b.mu.Lock()
	b.subs[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers ev to every subscriber, each on its own goroutine so a
// slow consumer cannot stall the engine. Panicking handlers are recovered
// and logged.
func (b *Bus) Publish(ev engine.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.log.Errorf("event handler panic on %s: %v", ev.Type, r)
				}
			}()
			h(ev)
		}()
	}
}

// Close stops delivery and waits for in-flight handlers.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.subs = make(map[string]Handler)
	b.mu.Unlock()

	b.wg.Wait()
}

// Dispatch routes one command to the engine. CACHE_STATUS returns the
// snapshot; every other command returns a nil snapshot and drives the engine
// for its side effects.
func (b *Bus) Dispatch(ctx context.Context, cmd Command) (*engine.StatusSnapshot, error) {
	b.mu.RLock()
	e := b.engine
	b.mu.RUnlock()
	if e == nil {
		return nil, errors.New("cache bus: no engine bound")
	}

	b.log.Debugf("dispatch %s", cmd.Type)

	switch cmd.Type {
	case CmdActivateDataCaching:
		return nil, e.Activate(ctx)
	case CmdDeactivateDataCaching:
		return nil, e.Deactivate(ctx)
	case CmdCacheStatus:
		return e.Status(ctx)
	case CmdCacheDataAll:
		return nil, e.CacheAll(ctx)
	case CmdCacheDataPresentation:
		if cmd.Payload.ID == "" {
			return nil, errors.New("cache bus: CACHE_DATA_PRESENTATION requires payload.id")
		}
		return nil, e.CachePresentation(ctx, cmd.Payload.ID)
	case CmdNukeData:
		if err := e.Nuke(ctx); err != nil {
			return nil, err
		}
		b.Publish(engine.Event{Type: engine.EventNukeDataComplete})
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}

// Package event contains the event names and the coordinator used by the
// services of Crate to notify each other of changes without being directly
// coupled.
package event

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/cratefm/crate/pkg/logger"
	"github.com/google/uuid"
)

var log = logger.Get("Event")

type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	// ItemPayload identifies a single row of a batch.
	ItemPayload struct {
		BatchID uuid.UUID
		Row     int
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	eventHandler struct {
		*sync.RWMutex
		fnHandlers   map[Event][]handlerMethod
		chanHandlers map[Event][]HandlerChannel
	}

	handlerMethod struct {
		handle HandlerMethod
		async  bool
	}
)

const (
	BATCH_UPDATE   Event = "batch:update"
	BATCH_COMPLETE Event = "batch:complete"
	ITEM_UPDATE    Event = "batch:item:update"
)

var ErrUnknownEvent = errors.New("event type not recognized for validation")

func New() EventCoordinator {
	return &eventHandler{
		RWMutex:      &sync.RWMutex{},
		fnHandlers:   make(map[Event][]handlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
	}
}

// RegisterHandlerChannel sends a HandlerEvent on the channel provided any time
// one of the events given is dispatched.
//
// If the channel is BLOCKED when the event bus attempts to send on it, the
// goroutine dispatching the event is also BLOCKED. Handler channels should be
// buffered appropriately.
func (handler *eventHandler) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	handler.Lock()
	defer handler.Unlock()

	for _, event := range events {
		handler.chanHandlers[event] = append(handler.chanHandlers[event], handle)
	}
}

// RegisterHandlerFunction stores a handler which is called synchronously with the
// payload whenever the event is dispatched. The handler must return quickly.
func (handler *eventHandler) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, false})
}

// RegisterAsyncHandlerFunction stores a handler which is called inside of a
// new goroutine whenever the event is dispatched.
func (handler *eventHandler) RegisterAsyncHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, true})
}

func (handler *eventHandler) registerHandlerMethod(event Event, handle handlerMethod) {
	handler.Lock()
	defer handler.Unlock()

	handler.fnHandlers[event] = append(handler.fnHandlers[event], handle)
}

// Dispatch validates the payload for the event and forwards it to every handler
// registered for it.
// Note that this method WILL block if a synchronous handler function is blocking, or if channel
// handlers are blocked.
func (handler *eventHandler) Dispatch(event Event, payload Payload) {
	if err := validatePayload(event, payload); err != nil {
		log.Emit(logger.FATAL, "Dispatch for event %v FAILED validation: %v\n", event, err)
		return
	}

	handler.RLock()
	fnHandles := append([]handlerMethod(nil), handler.fnHandlers[event]...)
	chanHandles := append([]HandlerChannel(nil), handler.chanHandlers[event]...)
	handler.RUnlock()

	for _, handle := range fnHandles {
		if handle.async {
			go handle.handle(event, payload)
		} else {
			handle.handle(event, payload)
		}
	}

	for _, handle := range chanHandles {
		handle <- HandlerEvent{event, payload}
	}
}

// validatePayload ensures that the payload provided is valid for the event specified.
func validatePayload(event Event, payload Payload) error {
	var payloadTypeName string
	if t := reflect.TypeOf(payload); t != nil {
		payloadTypeName = t.Name()
	} else {
		payloadTypeName = "Nil"
	}

	switch event {
	case BATCH_UPDATE, BATCH_COMPLETE:
		if _, ok := payload.(uuid.UUID); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected uuid.UUID payload", payloadTypeName, event)
		}

		return nil
	case ITEM_UPDATE:
		if _, ok := payload.(ItemPayload); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected ItemPayload payload", payloadTypeName, event)
		}

		return nil
	}

	return ErrUnknownEvent
}

// Package activity forwards changes to batches over the websocket hub so
// that connected clients can follow progress without polling.
package activity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cratefm/crate/internal/batch"
	"github.com/cratefm/crate/internal/event"
	"github.com/cratefm/crate/internal/http/websocket"
	"github.com/cratefm/crate/pkg/logger"
	"github.com/google/uuid"
)

const (
	DebounceDuration = time.Millisecond * 500
	MaxTimerDuration = time.Second * 2

	BatchUpdateTitle = "BATCH_UPDATE"
)

var log = logger.Get("Activity")

type (
	batchProvider interface {
		GetBatch(uuid.UUID) *batch.Batch
	}

	socketSender interface {
		Send(*websocket.SocketMessage)
	}

	activityService struct {
		*sync.Mutex
		batches        batchProvider
		socket         socketSender
		eventBus       event.EventHandler
		debounceTimers map[uuid.UUID]*time.Timer
		maxTimers      map[uuid.UUID]*time.Timer
	}
)

func New(batches batchProvider, socket socketSender, eventBus event.EventHandler) *activityService {
	return &activityService{
		Mutex:          &sync.Mutex{},
		batches:        batches,
		socket:         socket,
		eventBus:       eventBus,
		debounceTimers: make(map[uuid.UUID]*time.Timer),
		maxTimers:      make(map[uuid.UUID]*time.Timer),
	}
}

// Run listens for batch events until the context is cancelled. Item and state
// updates for a batch are debounced in to a single broadcast, whereas completion
// of a batch is broadcast immediately.
func (service *activityService) Run(ctx context.Context) error {
	messageChan := make(event.HandlerChannel, 100)
	service.eventBus.RegisterHandlerChannel(messageChan, event.BATCH_UPDATE, event.ITEM_UPDATE, event.BATCH_COMPLETE)

	log.Emit(logger.NEW, "Activity service started\n")
	for {
		select {
		case ev := <-messageChan:
			if err := service.handleEvent(ev); err != nil {
				log.Emit(logger.ERROR, "Handling of event %v failed: %v\n", ev.Event, err)
			}
		case <-ctx.Done():
			service.stopTimers()
			log.Emit(logger.STOP, "Activity service closed\n")
			return nil
		}
	}
}

func (service *activityService) handleEvent(ev event.HandlerEvent) error {
	switch ev.Event {
	case event.BATCH_UPDATE:
		id, ok := ev.Payload.(uuid.UUID)
		if !ok {
			return errors.New("illegal payload (expected UUID)")
		}
		service.scheduleBroadcast(id)
	case event.ITEM_UPDATE:
		item, ok := ev.Payload.(event.ItemPayload)
		if !ok {
			return errors.New("illegal payload (expected ItemPayload)")
		}
		service.scheduleBroadcast(item.BatchID)
	case event.BATCH_COMPLETE:
		id, ok := ev.Payload.(uuid.UUID)
		if !ok {
			return errors.New("illegal payload (expected UUID)")
		}
		service.broadcast(id)
	default:
		return errors.New("unknown event type")
	}

	return nil
}

func (service *activityService) scheduleBroadcast(id uuid.UUID) {
	service.Lock()
	defer service.Unlock()

	broadcaster := func() { service.broadcast(id) }
	if t, ok := service.debounceTimers[id]; ok {
		t.Stop()
	}
	service.debounceTimers[id] = time.AfterFunc(DebounceDuration, broadcaster)

	if _, ok := service.maxTimers[id]; !ok {
		service.maxTimers[id] = time.AfterFunc(MaxTimerDuration, broadcaster)
	}
}

// broadcast clears any pending timers for the batch and sends its
// current snapshot to every connected client.
func (service *activityService) broadcast(id uuid.UUID) {
	service.Lock()
	if t, ok := service.debounceTimers[id]; ok {
		t.Stop()
		delete(service.debounceTimers, id)
	}
	if t, ok := service.maxTimers[id]; ok {
		t.Stop()
		delete(service.maxTimers, id)
	}
	service.Unlock()

	b := service.batches.GetBatch(id)
	if b == nil {
		log.Emit(logger.DEBUG, "Batch %s no longer exists, skipping broadcast\n", id)
		return
	}

	service.socket.Send(&websocket.SocketMessage{
		Title: BatchUpdateTitle,
		Type:  websocket.Update,
		Body:  map[string]interface{}{"batch_id": id, "batch": b.Snapshot()},
	})
}

func (service *activityService) stopTimers() {
	service.Lock()
	defer service.Unlock()

	for id, t := range service.debounceTimers {
		t.Stop()
		delete(service.debounceTimers, id)
	}
	for id, t := range service.maxTimers {
		t.Stop()
		delete(service.maxTimers, id)
	}
}

package api

import (
	"fmt"

	"github.com/cratefm/crate/internal/api/batches"
	"github.com/cratefm/crate/internal/api/util"
	"github.com/cratefm/crate/internal/batch"
	"github.com/cratefm/crate/internal/http/websocket"
	"github.com/google/uuid"
)

const (
	CommandBatchIndex   = "BATCH_INDEX"
	CommandBatchDetails = "BATCH_DETAILS"
	CommandBatchCancel  = "BATCH_CANCEL"
)

// SocketGateway answers the commands websocket clients can send, which mirror
// the read and cancel operations of the REST API.
type SocketGateway struct {
	service batches.Service
}

func NewSocketGateway(service batches.Service) *SocketGateway {
	return &SocketGateway{service: service}
}

func (gateway *SocketGateway) BindCommands(hub *websocket.SocketHub) {
	hub.BindCommand(CommandBatchIndex, gateway.WsBatchIndex).
		BindCommand(CommandBatchDetails, gateway.WsBatchDetails).
		BindCommand(CommandBatchCancel, gateway.WsBatchCancel)
	hub.WithConnectionCallback(func() map[string]interface{} {
		return map[string]interface{}{"batches": gateway.snapshots()}
	})
}

func (gateway *SocketGateway) WsBatchIndex(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
	hub.Send(message.FormReply("COMMAND_SUCCESS", map[string]interface{}{"payload": gateway.snapshots()}, websocket.Response))
	return nil
}

func (gateway *SocketGateway) WsBatchDetails(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
	b, err := gateway.batchFromArguments(message)
	if err != nil {
		return err
	}

	hub.Send(message.FormReply("COMMAND_SUCCESS", map[string]interface{}{"payload": b.Snapshot()}, websocket.Response))
	return nil
}

func (gateway *SocketGateway) WsBatchCancel(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
	b, err := gateway.batchFromArguments(message)
	if err != nil {
		return err
	}

	if err := gateway.service.CancelBatch(b.ID()); err != nil {
		return fmt.Errorf("failed to cancel batch %s: %w", b.ID(), err)
	}

	hub.Send(message.FormReply("COMMAND_SUCCESS", nil, websocket.Response))
	return nil
}

func (gateway *SocketGateway) batchFromArguments(message *websocket.SocketMessage) (*batch.Batch, error) {
	raw, err := message.StringArgument("id")
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("argument 'id' is not a valid UUID: %w", err)
	}

	b := gateway.service.GetBatch(id)
	if b == nil {
		return nil, fmt.Errorf("batch %s does not exist", id)
	}

	return b, nil
}

func (gateway *SocketGateway) snapshots() []batch.Snapshot {
	return util.ApplyConversion(gateway.service.GetAllBatches(), (*batch.Batch).Snapshot)
}

package websocket

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type socketClient struct {
	*sync.Mutex
	id     uuid.UUID
	socket *websocket.Conn
}

func newSocketClient(id uuid.UUID, conn *websocket.Conn) *socketClient {
	return &socketClient{Mutex: &sync.Mutex{}, id: id, socket: conn}
}

// SendMessage writes the message to the socket as JSON. Gorilla connections
// support only one concurrent writer.
func (client *socketClient) SendMessage(message *SocketMessage) error {
	client.Lock()
	defer client.Unlock()

	return client.socket.WriteJSON(message)
}

// Read starts a read-loop on the clients websocket connection, emitting
// all received messages on the channel provided. The first read or decode
// error closes the loop and is returned, as does closure of the done channel.
// The caller must deregister the client.
func (client *socketClient) Read(receiveCh chan<- *SocketMessage, done <-chan struct{}) error {
	for {
		var recv SocketMessage
		if err := client.socket.ReadJSON(&recv); err != nil {
			return err
		}

		id := client.id
		recv.Origin = &id
		select {
		case receiveCh <- &recv:
		case <-done:
			return nil
		}
	}
}

func (client *socketClient) Close() {
	client.socket.Close()
}

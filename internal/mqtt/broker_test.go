package mqtt_test

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/eclipse/paho.golang/packets"
	"github.com/stretchr/testify/require"
)

type received struct {
	ClientID string
	Username string
	Topic    string
	Payload  string
	Retain   bool
	QoS      byte
}

// fakeBroker speaks just enough MQTT v5 to accept a session and record
// publishes.
type fakeBroker struct {
	ln net.Listener

	// refuse drops that many incoming connections before the handshake.
	refuse atomic.Int32

	mu          sync.Mutex
	connections int
	disconnects int
	messages    []received
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &fakeBroker{ln: ln}
	go b.serve()
	t.Cleanup(func() { ln.Close() })

	return b
}

func (b *fakeBroker) host() string {
	return b.ln.Addr().(*net.TCPAddr).IP.String()
}

func (b *fakeBroker) port() int {
	return b.ln.Addr().(*net.TCPAddr).Port
}

func (b *fakeBroker) serve() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		if b.refuse.Load() > 0 {
			b.refuse.Add(-1)
			conn.Close()
			continue
		}
		go b.handle(conn)
	}
}

func (b *fakeBroker) handle(conn net.Conn) {
	defer conn.Close()

	var clientID, username string
	for {
		cp, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}

		switch cp.Type {
		case packets.CONNECT:
			c := cp.Content.(*packets.Connect)
			clientID, username = c.ClientID, c.Username

			b.mu.Lock()
			b.connections++
			b.mu.Unlock()

			ack := packets.NewControlPacket(packets.CONNACK)
			if _, err := ack.WriteTo(conn); err != nil {
				return
			}
		case packets.PUBLISH:
			p := cp.Content.(*packets.Publish)

			b.mu.Lock()
			b.messages = append(b.messages, received{
				ClientID: clientID,
				Username: username,
				Topic:    p.Topic,
				Payload:  string(p.Payload),
				Retain:   p.Retain,
				QoS:      p.QoS,
			})
			b.mu.Unlock()

			if p.QoS == 1 {
				ack := packets.NewControlPacket(packets.PUBACK)
				ack.Content.(*packets.Puback).PacketID = p.PacketID
				if _, err := ack.WriteTo(conn); err != nil {
					return
				}
			}
		case packets.PINGREQ:
			if _, err := packets.NewControlPacket(packets.PINGRESP).WriteTo(conn); err != nil {
				return
			}
		case packets.DISCONNECT:
			b.mu.Lock()
			b.disconnects++
			b.mu.Unlock()
			return
		}
	}
}

func (b *fakeBroker) snapshot() (connections, disconnects int, messages []received) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.connections, b.disconnects, append([]received(nil), b.messages...)
}

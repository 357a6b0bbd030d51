// Package mqtttest provides an in-process MQTT broker that records what
// clients publish to it.
package mqtttest

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
)

const (
	pktConnect    = 1
	pktConnack    = 2
	pktPublish    = 3
	pktPuback     = 4
	pktSubscribe  = 8
	pktSuback     = 9
	pktPingreq    = 12
	pktPingresp   = 13
	pktDisconnect = 14
)

// Message is one PUBLISH received by the broker.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Broker accepts MQTT 3.1/3.1.1 clients on a loopback port.
type Broker struct {
	ln net.Listener

	lock     sync.Mutex
	msgs     []Message
	clients  []string
	arrived  chan struct{}
	rejectID string
}

// NewBroker starts a broker which is shut down when the test ends.
func NewBroker(t *testing.T) *Broker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b := &Broker{ln: ln, arrived: make(chan struct{}, 1)}
	go b.serve()
	t.Cleanup(func() { b.Close() })
	return b
}

// URL returns the broker address in the form paho expects.
func (b *Broker) URL() string {
	return "tcp://" + b.ln.Addr().String()
}

// Reject makes the broker refuse connections with the given client ID.
func (b *Broker) Reject(clientID string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.rejectID = clientID
}

// Clients returns IDs of clients that connected so far.
func (b *Broker) Clients() []string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]string(nil), b.clients...)
}

// Messages returns a copy of all messages received so far.
func (b *Broker) Messages() []Message {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]Message(nil), b.msgs...)
}

// Wait blocks until at least n messages arrived or timeout expires.
func (b *Broker) Wait(n int, timeout time.Duration) ([]Message, error) {
	deadline := time.After(timeout)
	for {
		msgs := b.Messages()
		if len(msgs) >= n {
			return msgs, nil
		}
		select {
		case <-b.arrived:
		case <-deadline:
			return msgs, errors.Errorf("got %d messages, want %d", len(msgs), n)
		}
	}
}

func (b *Broker) Close() error {
	return b.ln.Close()
}

func (b *Broker) serve() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		go b.handle(conn)
	}
}

func (b *Broker) record(m Message) {
	b.lock.Lock()
	b.msgs = append(b.msgs, m)
	b.lock.Unlock()
	select {
	case b.arrived <- struct{}{}:
	default:
	}
}

func (b *Broker) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	clientID := ""
	for {
		header, data, err := readPacket(r)
		if err != nil {
			return
		}
		switch header >> 4 {
		case pktConnect:
			id, ok := parseConnect(data)
			if !ok {
				writePacket(conn, pktConnack<<4, []byte{0, 1})
				return
			}
			b.lock.Lock()
			reject := b.rejectID != "" && b.rejectID == id
			if !reject {
				b.clients = append(b.clients, id)
			}
			b.lock.Unlock()
			if reject {
				// Identifier rejected.
				writePacket(conn, pktConnack<<4, []byte{0, 2})
				return
			}
			clientID = id
			writePacket(conn, pktConnack<<4, []byte{0, 0})
		case pktPublish:
			m, msgID, ok := parsePublish(header, data)
			if !ok {
				return
			}
			m.ClientID = clientID
			b.record(m)
			if m.QoS == 1 {
				writePacket(conn, pktPuback<<4, []byte{byte(msgID >> 8), byte(msgID)})
			}
		case pktSubscribe:
			if len(data) < 2 {
				return
			}
			// Subscriptions are acknowledged with QoS 0 and never served.
			writePacket(conn, pktSuback<<4, []byte{data[0], data[1], 0})
		case pktPingreq:
			writePacket(conn, pktPingresp<<4, nil)
		case pktDisconnect:
			return
		}
	}
}

func parseConnect(data []byte) (string, bool) {
	if len(data) < 2 {
		return "", false
	}
	protoLen := int(data[0])<<8 | int(data[1])
	if len(data) < protoLen+6 {
		return "", false
	}
	proto := string(data[2 : 2+protoLen])
	if proto != "MQTT" && proto != "MQIsdp" {
		return "", false
	}
	data = data[protoLen+6:]
	if len(data) < 2 {
		return "", false
	}
	n := int(data[0])<<8 | int(data[1])
	if len(data) < 2+n {
		return "", false
	}
	return string(data[2 : 2+n]), true
}

func parsePublish(header byte, data []byte) (Message, int, bool) {
	m := Message{
		QoS:      (header >> 1) & 3,
		Retained: header&1 != 0,
	}
	if m.QoS > 1 || len(data) < 2 {
		return m, 0, false
	}
	size := int(data[0])<<8 | int(data[1])
	if len(data) < 2+size {
		return m, 0, false
	}
	m.Topic = string(data[2 : 2+size])
	data = data[2+size:]
	msgID := 0
	if m.QoS == 1 {
		if len(data) < 2 {
			return m, 0, false
		}
		msgID = int(data[0])<<8 | int(data[1])
		data = data[2:]
	}
	m.Payload = append([]byte(nil), data...)
	return m, msgID, true
}

func readPacket(r *bufio.Reader) (byte, []byte, error) {
	header, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, err
	}
	return header, data, nil
}

func writePacket(w io.Writer, header byte, payload []byte) error {
	buf := make([]byte, binary.MaxVarintLen64+1)
	buf[0] = header
	n := binary.PutUvarint(buf[1:], uint64(len(payload)))
	_, err := w.Write(append(buf[:n+1], payload...))
	return err
}

package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"mini-ipc/protocol"
)

// framedConn is one socket speaking the frame protocol.
type framedConn struct {
	id           string
	conn         net.Conn
	writeTimeout time.Duration

	sending   sync.Mutex // whole frames only, never interleaved
	seq       uint32     // protected by sending
	closeOnce sync.Once
}

func newFramedConn(id string, conn net.Conn, writeTimeout time.Duration) *framedConn {
	return &framedConn{id: id, conn: conn, writeTimeout: writeTimeout}
}

func (c *framedConn) ID() string {
	return c.id
}

func (c *framedConn) Emit(payload []byte) error {
	return c.write(protocol.MsgTypeMessage, payload)
}

func (c *framedConn) heartbeat() error {
	return c.write(protocol.MsgTypeHeartbeat, nil)
}

func (c *framedConn) write(mt protocol.MsgType, body []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()

	c.seq++
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return protocol.Encode(c.conn, &protocol.Header{MsgType: mt, Seq: c.seq}, body)
}

// readLoop hands every message frame to onMessage until the connection breaks.
// A clean close by either side returns nil.
func (c *framedConn) readLoop(onMessage func(payload []byte)) error {
	for {
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		onMessage(body)
	}
}

// heartbeatLoop keeps the connection warm until stop is closed or a write fails.
func (c *framedConn) heartbeatLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.heartbeat(); err != nil {
				return
			}
		}
	}
}

func (c *framedConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

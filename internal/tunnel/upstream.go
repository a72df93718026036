package tunnel

import (
	"net"

	"dockpit/internal/connq"
	"dockpit/internal/protocol"
)

const readBufferSize = 32 * 1024

// upstream is one container-side socket bridged to an agent connection id.
type upstream struct {
	id     protocol.ConnectionID
	conn   net.Conn
	link   Link
	writer *connq.Writer
}

// throttler is implemented by links that queue writes and want socket readers
// to wait while the peer catches up.
type throttler interface {
	Throttle()
}

func newUpstream(id protocol.ConnectionID, conn net.Conn, link Link) *upstream {
	return &upstream{id: id, conn: conn, link: link, writer: connq.New(conn)}
}

func (u *upstream) enqueue(payload []byte) { u.writer.Enqueue(payload) }

// readLoop forwards container bytes to the agent until the socket fails, then
// calls onExit once.
func (u *upstream) readLoop(onExit func(error)) {
	buf := make([]byte, readBufferSize)
	t, _ := u.link.(throttler)
	for {
		if t != nil {
			t.Throttle()
		}
		n, err := u.conn.Read(buf)
		if n > 0 {
			if sendErr := u.link.SendData(u.id, buf[:n]); sendErr != nil {
				u.conn.Close()
				onExit(sendErr)
				return
			}
		}
		if err != nil {
			onExit(err)
			return
		}
	}
}

func (u *upstream) close() { u.writer.Close() }

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/agenthands/blockserve/pkg/core"
	"github.com/agenthands/blockserve/pkg/exchange"
	"github.com/multiformats/go-varint"
)

// DefaultMaxFrameSize bounds one frame when no limit is configured.
const DefaultMaxFrameSize = 8 << 20

// Conn reads and writes framed messages on a net.Conn. Reads and writes may
// proceed concurrently with each other, but not with themselves.
type Conn struct {
	nc       net.Conn
	br       *bufio.Reader
	codec    *Codec
	maxFrame int

	wmu sync.Mutex
}

// NewConn wraps nc. A maxFrame of zero selects DefaultMaxFrameSize.
func NewConn(nc net.Conn, codec *Codec, maxFrame int) *Conn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Conn{nc: nc, br: bufio.NewReader(nc), codec: codec, maxFrame: maxFrame}
}

// Dial connects to a server.
func Dial(ctx context.Context, network, addr string, codec *Codec, maxFrame int) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return NewConn(nc, codec, maxFrame), nil
}

// ReadMessage reads one frame. A frame over the size limit or one that
// does not decode is an ErrProtocol. io.EOF is returned only at a frame
// boundary.
func (c *Conn) ReadMessage() (exchange.Message, error) {
	n, err := varint.ReadUvarint(c.br)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return exchange.Message{}, io.EOF
		case errors.Is(err, varint.ErrOverflow), errors.Is(err, varint.ErrNotMinimal):
			return exchange.Message{}, fmt.Errorf("%w: frame length: %v", core.ErrProtocol, err)
		default:
			return exchange.Message{}, err
		}
	}
	if n > uint64(c.maxFrame) {
		return exchange.Message{}, fmt.Errorf("%w: frame of %d bytes, limit %d", core.ErrProtocol, n, c.maxFrame)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return exchange.Message{}, err
	}
	return c.codec.Unmarshal(buf)
}

// WriteMessage writes m as one frame.
func (c *Conn) WriteMessage(m exchange.Message) error {
	body, err := c.codec.Marshal(m)
	if err != nil {
		return err
	}
	if len(body) > c.maxFrame {
		return fmt.Errorf("%w: frame of %d bytes, limit %d", core.ErrTooLarge, len(body), c.maxFrame)
	}
	frame := make([]byte, 0, varint.UvarintSize(uint64(len(body)))+len(body))
	frame = append(frame, varint.ToUvarint(uint64(len(body)))...)
	frame = append(frame, body...)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.nc.Write(frame)
	return err
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.nc.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.nc.SetWriteDeadline(t) }

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *Conn) Close() error {
	return c.nc.Close()
}

package hardware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/firmware"
)

// Wire protocol: fixed 4-byte frames {cmd, a, b, c}.
//
//	1 pin 0 0    analog read  -> reply 1 hi lo status (status 0 = ok)
//	2 pin v 0    digital write (v 0/1)
//	3 pin duty 0 PWM write
const (
	cmdAnalogRead   byte = 1
	cmdDigitalWrite byte = 2
	cmdPWMWrite     byte = 3
)

const ioTimeout = 2 * time.Second

// ErrDisconnected is returned while the link is down and the next redial is
// not due yet.
var ErrDisconnected = errors.New("board disconnected")

// TCPBoard talks to a board bridge (serial-to-TCP or the board simulator).
// Any I/O error drops the connection: a late reply left in the socket would
// otherwise answer the next request. The next call redials, paced by backoff.
type TCPBoard struct {
	mu      sync.Mutex
	addr    string
	conn    net.Conn
	closed  bool
	timeout time.Duration

	redial   backoff.BackOff
	nextDial time.Time
}

var _ Board = (*TCPBoard)(nil)

// Dial connects to addr, retrying with exponential backoff until ctx expires
// or maxElapsed is spent.
func Dial(ctx context.Context, addr string, maxElapsed time.Duration) (*TCPBoard, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed

	var conn net.Conn
	var d net.Dialer
	err := backoff.Retry(func() error {
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			log.Printf("board: dial %s failed: %v", addr, err)
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("could not reach board at %s: %w", addr, err)
	}
	log.Printf("board: connected to %s", addr)

	rb := backoff.NewExponentialBackOff()
	rb.InitialInterval = 100 * time.Millisecond
	rb.MaxInterval = 5 * time.Second
	rb.MaxElapsedTime = 0 // non smette mai di riprovare
	return &TCPBoard{addr: addr, conn: conn, timeout: ioTimeout, redial: rb}, nil
}

// Connected reports whether the link is currently up.
func (b *TCPBoard) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

func (b *TCPBoard) AnalogRead(pin firmware.Pin) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConn(); err != nil {
		return 0, err
	}
	pb, err := pinByte(pin)
	if err != nil {
		return 0, err
	}
	if err := b.write([4]byte{cmdAnalogRead, pb, 0, 0}); err != nil {
		return 0, err
	}
	var buf [4]byte
	_ = b.conn.SetReadDeadline(time.Now().Add(b.timeout))
	if _, err := io.ReadFull(b.conn, buf[:]); err != nil {
		b.drop(err)
		return 0, fmt.Errorf("analog read %s: %w", pin, err)
	}
	if buf[0] != cmdAnalogRead {
		// stream fuori sincrono
		b.drop(fmt.Errorf("unexpected reply %v", buf))
		return 0, fmt.Errorf("analog read %s: unexpected reply %v", pin, buf)
	}
	if buf[3] != 0 {
		return 0, fmt.Errorf("analog read %s: board status %d", pin, buf[3])
	}
	return int(buf[1])<<8 | int(buf[2]), nil
}

func (b *TCPBoard) DigitalWrite(pin firmware.Pin, high bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConn(); err != nil {
		return err
	}
	pb, err := pinByte(pin)
	if err != nil {
		return err
	}
	return b.write([4]byte{cmdDigitalWrite, pb, toByte(high), 0})
}

func (b *TCPBoard) PWMWrite(pin firmware.Pin, duty uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConn(); err != nil {
		return err
	}
	pb, err := pinByte(pin)
	if err != nil {
		return err
	}
	return b.write([4]byte{cmdPWMWrite, pb, duty, 0})
}

func (b *TCPBoard) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// ensureConn redials a dropped link once the backoff allows it. Caller holds mu.
func (b *TCPBoard) ensureConn() error {
	if b.closed || b.addr == "" {
		return ErrClosed
	}
	if b.conn != nil {
		return nil
	}
	now := time.Now()
	if now.Before(b.nextDial) {
		return ErrDisconnected
	}
	c, err := net.DialTimeout("tcp", b.addr, b.timeout)
	if err != nil {
		wait := b.redial.NextBackOff()
		if wait == backoff.Stop {
			b.redial.Reset()
			wait = b.redial.NextBackOff()
		}
		b.nextDial = now.Add(wait)
		return fmt.Errorf("%w: redial %s: %v", ErrDisconnected, b.addr, err)
	}
	log.Printf("board: reconnected to %s", b.addr)
	b.redial.Reset()
	b.nextDial = time.Time{}
	b.conn = c
	return nil
}

// drop closes the link after an I/O error. Caller holds mu.
func (b *TCPBoard) drop(cause error) {
	if b.conn == nil {
		return
	}
	log.Printf("board: dropping link to %s: %v", b.addr, cause)
	_ = b.conn.Close()
	b.conn = nil
}

func (b *TCPBoard) write(frame [4]byte) error {
	_ = b.conn.SetWriteDeadline(time.Now().Add(b.timeout))
	if _, err := b.conn.Write(frame[:]); err != nil {
		b.drop(err)
		return fmt.Errorf("board write %v: %w", frame, err)
	}
	return nil
}

// un frame ha un solo byte per il pin
func pinByte(pin firmware.Pin) (byte, error) {
	if pin < 0 || pin > 255 {
		return 0, fmt.Errorf("pin %d does not fit a frame", int(pin))
	}
	return byte(pin), nil
}

func toByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// Serve exposes board over the wire protocol until ctx is cancelled or lis
// fails. Each connection is handled in its own goroutine.
func Serve(ctx context.Context, lis net.Listener, board Board) error {
	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("board accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, conn, board)
		}()
	}
}

func serveConn(ctx context.Context, conn net.Conn, board Board) {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	var frame [4]byte
	for {
		if _, err := io.ReadFull(conn, frame[:]); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Printf("board: connection %s closed: %v", conn.RemoteAddr(), err)
			}
			return
		}
		pin := firmware.Pin(frame[1])
		switch frame[0] {
		case cmdAnalogRead:
			reply := [4]byte{cmdAnalogRead, 0, 0, 0}
			if raw, err := board.AnalogRead(pin); err != nil {
				reply[3] = 1
			} else {
				reply[1], reply[2] = byte(raw>>8), byte(raw)
			}
			if _, err := conn.Write(reply[:]); err != nil {
				return
			}
		case cmdDigitalWrite:
			_ = board.DigitalWrite(pin, frame[2] != 0)
		case cmdPWMWrite:
			_ = board.PWMWrite(pin, frame[2])
		default:
			// comando sconosciuto: ignora
		}
	}
}

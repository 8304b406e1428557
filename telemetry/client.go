package telemetry

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/colorfulnotion/evmloader/log"
	"github.com/colorfulnotion/evmloader/types"
)

// TelemetryClient streams controller events to a telemetry server. It is a
// types.EventSink, so it can stand in for the in-memory event log.
type TelemetryClient struct {
	addr     string
	mu       sync.Mutex
	conn     net.Conn
	dropped  uint64
	disabled bool // if true, telemetry is disabled (no-op)
}

var _ types.EventSink = (*TelemetryClient)(nil)

// NewNoOpTelemetryClient creates a disabled telemetry client that does nothing
func NewNoOpTelemetryClient() *TelemetryClient {
	return &TelemetryClient{disabled: true}
}

// NewTelemetryClient builds a telemetry client targeting the given host/port.
func NewTelemetryClient(host, port string) *TelemetryClient {
	return &TelemetryClient{addr: net.JoinHostPort(host, port)}
}

// Connect dials the server and sends the program information message.
func (c *TelemetryClient) Connect(info ProgramInfo) error {
	if c.disabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return fmt.Errorf("telemetry client already connected to %s", c.addr)
	}
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to telemetry server at %s: %w", c.addr, err)
	}
	if err := writeFrame(conn, info.encode()); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send program info: %w", err)
	}
	c.conn = conn
	log.Debug(log.TelemetryMonitoring, "telemetry connected", "addr", c.addr, "program", info.ProgramID.String_short())
	return nil
}

// Close terminates the telemetry connection and clears the stored state.
func (c *TelemetryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Dropped is the number of events that could not be delivered yet.
func (c *TelemetryClient) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Emit sends ev. Events with no discriminator are ignored.
func (c *TelemetryClient) Emit(ev types.Event) {
	disc, ok := nameToDiscriminator[ev.Name]
	if !ok {
		return
	}
	c.sendEvent(disc, encodeFields(ev.Fields))
}

// sendEvent frames timestamp | discriminator | payload. Events that cannot be
// written are counted and reported in a DROPPED event on the next success.
func (c *TelemetryClient) sendEvent(discriminator byte, eventPayload []byte) {
	if c.disabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.dropped++
		return
	}
	now := time.Now()
	if c.dropped > 0 {
		if err := writeFrame(c.conn, eventMessage(now, Telemetry_Dropped, binary.LittleEndian.AppendUint64(nil, c.dropped))); err != nil {
			c.dropped++
			return
		}
		c.dropped = 0
	}
	if err := writeFrame(c.conn, eventMessage(now, discriminator, eventPayload)); err != nil {
		c.dropped++
		log.Trace(log.TelemetryMonitoring, "telemetry write failed", "err", err)
	}
}

func eventMessage(now time.Time, discriminator byte, payload []byte) []byte {
	msg := binary.LittleEndian.AppendUint64(make([]byte, 0, 9+len(payload)), timestamp(now))
	msg = append(msg, discriminator)
	return append(msg, payload...)
}

// writeFrame writes a little-endian u32 length prefix and then msg.
func writeFrame(conn net.Conn, msg []byte) error {
	frame := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(msg)), uint32(len(msg)))
	_, err := conn.Write(append(frame, msg...))
	return err
}

package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"os"
	"sync/atomic"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/log"
)

// Decoder renders an event payload for the server log.
type Decoder func(payload []byte) string

var discriminatorToString = map[int]string{
	Telemetry_Dropped: "DROPPED",
	Telemetry_Hash:    "HASH",
	Telemetry_Miner:   "MINER",
	Telemetry_Gas:     "GAS",
	Telemetry_Return:  "RETURN",
}

var discriminatorDecoder = map[int]Decoder{
	Telemetry_Dropped: DecodeDropped,
	Telemetry_Hash:    DecodeHash,
	Telemetry_Miner:   DecodeMiner,
	Telemetry_Gas:     DecodeGas,
	Telemetry_Return:  DecodeReturn,
}

func DecodeDropped(payload []byte) string {
	if len(payload) < 8 {
		return fmt.Sprintf("raw:0x%x", payload)
	}
	return fmt.Sprintf("count:%d", binary.LittleEndian.Uint64(payload))
}

func DecodeHash(payload []byte) string {
	fields, err := decodeFields(payload)
	if err != nil || len(fields) != 1 {
		return fmt.Sprintf("raw:0x%x", payload)
	}
	return "trx:" + common.BytesToHash(fields[0]).Hex()
}

func DecodeMiner(payload []byte) string {
	fields, err := decodeFields(payload)
	if err != nil || len(fields) != 1 {
		return fmt.Sprintf("raw:0x%x", payload)
	}
	return "miner:" + common.BytesToAddress(fields[0]).Hex()
}

func DecodeGas(payload []byte) string {
	fields, err := decodeFields(payload)
	if err != nil || len(fields) != 2 || len(fields[0]) != 8 {
		return fmt.Sprintf("raw:0x%x", payload)
	}
	return fmt.Sprintf("gas:%d", binary.LittleEndian.Uint64(fields[0]))
}

func DecodeReturn(payload []byte) string {
	fields, err := decodeFields(payload)
	if err != nil || len(fields) != 2 || len(fields[0]) != 1 {
		return fmt.Sprintf("raw:0x%x", payload)
	}
	return fmt.Sprintf("exit:0x%02x|data:0x%x", fields[0][0], fields[1])
}

// DecodeEvent decodes a telemetry event payload using the appropriate decoder.
// Returns the decoded string, or empty string if no decoder exists for this discriminator.
func DecodeEvent(discriminator int, payload []byte) string {
	if decoder, ok := discriminatorDecoder[discriminator]; ok {
		return decoder(payload)
	}
	return ""
}

// GetEventTypeName returns the event type name for a discriminator
func GetEventTypeName(discriminator int) string {
	return discriminatorToString[discriminator]
}

// TelemetryServer accepts telemetry connections and writes one line per event.
type TelemetryServer struct {
	addr     string
	listener net.Listener
	out      io.Writer
	logFile  *os.File
	logger   *stdlog.Logger
	stopped  atomic.Bool
}

// NewTelemetryServer creates a server that appends its event lines to logFilePath.
func NewTelemetryServer(addr, logFilePath string) (*TelemetryServer, error) {
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	s := NewTelemetryWriterServer(addr, logFile)
	s.logFile = logFile
	return s, nil
}

// NewTelemetryWriterServer creates a server that writes its event lines to w.
func NewTelemetryWriterServer(addr string, w io.Writer) *TelemetryServer {
	return &TelemetryServer{
		addr:   addr,
		out:    w,
		logger: stdlog.New(w, "", 0),
	}
}

// Listen binds the server address without accepting connections yet.
func (s *TelemetryServer) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	log.Info(log.TelemetryMonitoring, "telemetry server listening", "addr", listener.Addr().String())
	return nil
}

// Addr is the bound address, valid after Listen.
func (s *TelemetryServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Start listens if needed and serves connections until Stop.
func (s *TelemetryServer) Start() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopped.Load() {
				log.Info(log.TelemetryMonitoring, "telemetry server stopped")
				return nil
			}
			log.Warn(log.TelemetryMonitoring, "accept failed", "err", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

// Stop stops the telemetry server and closes the log file
func (s *TelemetryServer) Stop() error {
	s.stopped.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	if s.logFile != nil {
		return s.logFile.Close()
	}
	return nil
}

func (s *TelemetryServer) handleConnection(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()

	info, err := s.readProgramInfo(conn)
	if err != nil {
		log.Warn(log.TelemetryMonitoring, "failed to read program info", "peer", peer, "err", err)
		return
	}
	s.logger.Printf("-|PROGRAM_INFO|program:%s|chain:%d|network:%s|version:%s|peer:%s", info.ProgramID.Hex(), info.ChainID, info.Network, info.Version, peer)

	for {
		if err := s.readAndProcessEvent(conn, peer); err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug(log.TelemetryMonitoring, "telemetry connection closed", "peer", peer)
			} else {
				log.Warn(log.TelemetryMonitoring, "error reading telemetry event", "peer", peer, "err", err)
			}
			return
		}
	}
}

func readFrame(conn net.Conn) ([]byte, error) {
	var length uint32
	if err := binary.Read(conn, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, fmt.Errorf("failed to read frame content: %w", err)
	}
	return data, nil
}

func (s *TelemetryServer) readProgramInfo(conn net.Conn) (ProgramInfo, error) {
	data, err := readFrame(conn)
	if err != nil {
		return ProgramInfo{}, err
	}
	return decodeProgramInfo(data)
}

func (s *TelemetryServer) readAndProcessEvent(conn net.Conn, peer string) error {
	data, err := readFrame(conn)
	if err != nil {
		return err
	}
	if len(data) < 9 {
		return fmt.Errorf("event data too short: %d bytes", len(data))
	}
	ts := fromTimestamp(binary.LittleEndian.Uint64(data[:8])).Format("2006-01-02T15:04:05.000000Z")
	s.processEvent(ts, data[8], data[9:], peer)
	return nil
}

func (s *TelemetryServer) logEvent(timestamp, peerAddr, eventType, decodedData string) {
	s.logger.Printf("%s|%s|%s|peer:%s", timestamp, eventType, decodedData, peerAddr)
}

func (s *TelemetryServer) processEvent(timestamp string, discriminator byte, payload []byte, peerAddr string) {
	eventType, hasEventType := discriminatorToString[int(discriminator)]
	decoder, hasDecoder := discriminatorDecoder[int(discriminator)]
	if hasEventType && hasDecoder {
		s.logEvent(timestamp, peerAddr, eventType, decoder(payload))
		return
	}
	s.logEvent(timestamp, peerAddr, "UNKNOWN_EVENT", fmt.Sprintf("discriminator:%d|raw_data:0x%x", discriminator, payload))
}

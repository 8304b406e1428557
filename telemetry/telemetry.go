package telemetry

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/types"
)

// Event discriminators on the wire.
const (
	Telemetry_Dropped = 0

	Telemetry_Hash   = 10
	Telemetry_Miner  = 11
	Telemetry_Gas    = 12
	Telemetry_Return = 13
)

var nameToDiscriminator = map[string]byte{
	types.EventHash:   Telemetry_Hash,
	types.EventMiner:  Telemetry_Miner,
	types.EventGas:    Telemetry_Gas,
	types.EventReturn: Telemetry_Return,
}

// ProgramInfo is sent once when a client connects.
type ProgramInfo struct {
	ProgramID common.Pubkey
	ChainID   uint64
	Network   string // String<32>
	Version   string // String<32>
}

func (info ProgramInfo) encode() []byte {
	var msg []byte
	// protocol version
	msg = append(msg, 0)
	msg = append(msg, info.ProgramID.Bytes()...)
	msg = binary.LittleEndian.AppendUint64(msg, info.ChainID)
	msg = append(msg, encodeString(info.Network, 32)...)
	msg = append(msg, encodeString(info.Version, 32)...)
	return msg
}

func decodeProgramInfo(data []byte) (ProgramInfo, error) {
	var info ProgramInfo
	if len(data) < 1+common.PubkeyLength+8 {
		return info, fmt.Errorf("program info of %d bytes", len(data))
	}
	if data[0] != 0 {
		return info, fmt.Errorf("program info version %d", data[0])
	}
	off := 1
	info.ProgramID = common.BytesToPubkey(data[off : off+common.PubkeyLength])
	off += common.PubkeyLength
	info.ChainID = binary.LittleEndian.Uint64(data[off:])
	off += 8
	var err error
	if info.Network, off, err = decodeString(data, off); err != nil {
		return info, err
	}
	if info.Version, _, err = decodeString(data, off); err != nil {
		return info, err
	}
	return info, nil
}

// encodeString truncates s to maxLen and prefixes its length.
func encodeString(s string, maxLen int) []byte {
	b := []byte(s)
	if len(b) > maxLen {
		b = b[:maxLen]
	}
	return append([]byte{byte(len(b))}, b...)
}

func decodeString(data []byte, off int) (string, int, error) {
	if off >= len(data) || off+1+int(data[off]) > len(data) {
		return "", off, fmt.Errorf("string at %d overruns %d bytes", off, len(data))
	}
	n := int(data[off])
	return string(data[off+1 : off+1+n]), off + 1 + n, nil
}

// encodeFields writes a field count followed by u32 length-prefixed fields.
func encodeFields(fields [][]byte) []byte {
	out := []byte{byte(len(fields))}
	for _, f := range fields {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(f)))
		out = append(out, f...)
	}
	return out
}

func decodeFields(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty event payload")
	}
	count := int(payload[0])
	off := 1
	fields := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if off+4 > len(payload) {
			return nil, fmt.Errorf("field %d length overruns payload", i)
		}
		n := int(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
		if off+n > len(payload) {
			return nil, fmt.Errorf("field %d overruns payload", i)
		}
		fields = append(fields, append([]byte(nil), payload[off:off+n]...))
		off += n
	}
	return fields, nil
}

// timestamp is microseconds since the Unix epoch.
func timestamp(t time.Time) uint64 {
	return uint64(t.UnixMicro())
}

func fromTimestamp(ts uint64) time.Time {
	return time.UnixMicro(int64(ts)).UTC()
}

package telemetry

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTelemetry(t *testing.T) {
	out := &syncBuffer{}
	server := NewTelemetryWriterServer("127.0.0.1:0", out)
	require.NoError(t, server.Listen())
	defer server.Stop()
	go server.Start()

	host, port, err := net.SplitHostPort(server.Addr().String())
	require.NoError(t, err)
	client := NewTelemetryClient(host, port)
	info := ProgramInfo{ProgramID: common.NamedPubkey("program"), ChainID: 245022926, Network: "devnet", Version: "test"}
	require.NoError(t, client.Connect(info))
	defer client.Close()
	assert.Error(t, client.Connect(info))

	trx := common.Keccak256([]byte("trx"))
	miner := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	client.Emit(types.HashEvent(trx))
	client.Emit(types.MinerEvent(miner))
	client.Emit(types.GasEvent(21000))
	client.Emit(types.ReturnEvent(0x11, []byte{0xbe, 0xef}))
	client.Emit(types.Event{Name: "NOT_AN_EVENT"})
	assert.Zero(t, client.Dropped())

	want := []string{
		"PROGRAM_INFO|program:" + info.ProgramID.Hex() + "|chain:245022926|network:devnet|version:test",
		"HASH|trx:" + trx.Hex(),
		"MINER|miner:" + miner.Hex(),
		"GAS|gas:21000",
		"RETURN|exit:0x11|data:0xbeef",
	}
	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "\n") >= len(want)
	}, 3*time.Second, 10*time.Millisecond)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, len(want))
	for i, w := range want {
		assert.Contains(t, lines[i], w)
	}
}

func TestDisconnectedClientCountsDrops(t *testing.T) {
	client := NewTelemetryClient("127.0.0.1", "1")
	client.Emit(types.GasEvent(1))
	client.Emit(types.GasEvent(2))
	assert.Equal(t, uint64(2), client.Dropped())

	noop := NewNoOpTelemetryClient()
	require.NoError(t, noop.Connect(ProgramInfo{}))
	noop.Emit(types.GasEvent(1))
	assert.Zero(t, noop.Dropped())
	assert.NoError(t, noop.Close())
}

func TestDecoders(t *testing.T) {
	assert.Equal(t, "gas:7", DecodeEvent(Telemetry_Gas, encodeFields(types.GasEvent(7).Fields)))
	assert.Equal(t, "count:3", DecodeEvent(Telemetry_Dropped, []byte{3, 0, 0, 0, 0, 0, 0, 0}))
	assert.Equal(t, "raw:0x01", DecodeEvent(Telemetry_Gas, []byte{1}))
	assert.Empty(t, DecodeEvent(99, nil))
	assert.Equal(t, "RETURN", GetEventTypeName(Telemetry_Return))

	info := ProgramInfo{ProgramID: common.NamedPubkey("p"), ChainID: 1, Network: strings.Repeat("n", 40), Version: "v"}
	got, err := decodeProgramInfo(info.encode())
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("n", 32), got.Network)
	assert.Equal(t, info.ProgramID, got.ProgramID)
}

func TestStartTracing(t *testing.T) {
	tr, err := StartTracing(context.Background(), TracingConfig{}, "evm-loader")
	require.NoError(t, err)
	assert.Nil(t, tr)
	assert.NoError(t, tr.Shutdown())

	_, err = StartTracing(context.Background(), TracingConfig{Endpoint: "grpc://localhost:4317", SampleRatio: 1}, "evm-loader")
	assert.ErrorContains(t, err, "unsupported tracing url scheme")
	_, err = StartTracing(context.Background(), TracingConfig{Endpoint: "http://localhost:4318", SampleRatio: 2}, "evm-loader")
	assert.ErrorContains(t, err, "invalid sample ratio")
}

package types

import (
	"encoding/binary"

	"github.com/colorfulnotion/evmloader/common"
)

const (
	EventHash   = "HASH"
	EventMiner  = "MINER"
	EventGas    = "GAS"
	EventReturn = "RETURN"
)

// Event is a host "log data" record: a name followed by raw byte fields.
type Event struct {
	Name   string
	Fields [][]byte
}

// EventSink receives the events of one invocation in emission order.
type EventSink interface {
	Emit(ev Event)
}

// EventLog is an in-memory EventSink.
type EventLog struct {
	Events []Event
}

func (l *EventLog) Emit(ev Event) {
	l.Events = append(l.Events, ev)
}

// Named returns the events with the given name.
func (l *EventLog) Named(name string) []Event {
	var out []Event
	for _, ev := range l.Events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func HashEvent(h common.Hash) Event {
	return Event{Name: EventHash, Fields: [][]byte{h.Bytes()}}
}

func MinerEvent(a common.Address) Event {
	return Event{Name: EventMiner, Fields: [][]byte{a.Bytes()}}
}

// GasEvent carries the used gas twice, as the host indexer expects.
func GasEvent(usedGas uint64) Event {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, usedGas)
	return Event{Name: EventGas, Fields: [][]byte{b, append([]byte(nil), b...)}}
}

func ReturnEvent(exitCode byte, data []byte) Event {
	return Event{Name: EventReturn, Fields: [][]byte{{exitCode}, append([]byte(nil), data...)}}
}

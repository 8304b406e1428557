package log

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// DataRecord is the rendered form of a program data event (HASH, MINER, GAS, RETURN).
// Off-chain observers consume the hex fields in order.
type DataRecord struct {
	Time    time.Time `json:"time"`
	Program string    `json:"program_id"`
	Name    string    `json:"name"`
	Fields  []string  `json:"fields"`
	Step    uint64    `json:"step,omitempty"`
}

var fieldOrder = []string{"time", "program_id", "name", "fields", "step"}

// Custom JSON marshaling to preserve field order and omit zero/empty values.
func (l DataRecord) MarshalJSON() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	writeField := func(key string, val []byte) {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(buf, `"%s":`, key)
		buf.Write(val)
	}
	for _, f := range fieldOrder {
		switch f {
		case "time":
			b, _ := json.Marshal(l.Time)
			writeField(f, b)
		case "program_id":
			b, _ := json.Marshal(l.Program)
			writeField(f, b)
		case "name":
			b, _ := json.Marshal(l.Name)
			writeField(f, b)
		case "fields":
			fields := l.Fields
			if fields == nil {
				fields = []string{}
			}
			b, _ := json.Marshal(fields)
			writeField(f, b)
		case "step":
			if l.Step != 0 {
				b, _ := json.Marshal(l.Step)
				writeField(f, b)
			}
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// NewDataRecord hex-encodes each field of a data event.
func NewDataRecord(program string, name string, step uint64, fields ...[]byte) DataRecord {
	rec := DataRecord{
		Time:    time.Now().UTC(),
		Program: program,
		Name:    name,
		Step:    step,
		Fields:  make([]string, 0, len(fields)),
	}
	for _, f := range fields {
		rec.Fields = append(rec.Fields, hex.EncodeToString(f))
	}
	return rec
}

// Data writes a data event at info level under the given module.
func Data(module string, rec DataRecord) {
	msgBytes, err := json.Marshal(rec)
	if err != nil {
		Error(module, "Data: Failed to marshal record", "err", err)
		return
	}
	Root().Write(LevelInfo, module, "Program data", "name", rec.Name, "record", string(msgBytes))
}

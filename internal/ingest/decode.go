// Package ingest validates and sanitizes inbound trip events and records each
// one as an immutable raw fact with a conditional write.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tripjoin/internal/model"
)

// Legacy spellings of half_type, checked in order.
var halfTypeKeys = []string{"half_type", "event_type", "data_type"}

// DecodeEvent parses one inbound JSON object. Fields other than trip_id,
// half_type and event_timestamp are kept in Fields with numbers as json.Number.
func DecodeEvent(data []byte) (model.InboundEvent, error) {
	ev := model.InboundEvent{Raw: append(json.RawMessage(nil), data...)}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return ev, eris.Wrap(err, "ingest: decode event")
	}
	if obj == nil {
		return ev, eris.New("ingest: event is not a JSON object")
	}

	ev.TripID = scalarString(obj["trip_id"])
	delete(obj, "trip_id")
	for _, k := range halfTypeKeys {
		if v, ok := obj[k]; ok {
			if ev.HalfType == "" {
				ev.HalfType = scalarString(v)
			}
			delete(obj, k)
		}
	}
	ev.EventTimestamp = scalarString(obj["event_timestamp"])
	delete(obj, "event_timestamp")

	if len(obj) > 0 {
		ev.Fields = obj
	}
	return ev, nil
}

// DecodeBatch reads either a JSON array of events or newline-delimited JSON.
// A syntactically broken stream is an error; an element that is valid JSON
// but not an object is returned with only Raw set, so validation rejects it.
func DecodeBatch(r io.Reader) ([]model.InboundEvent, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read batch")
	}

	var raws []json.RawMessage
	if first == '[' {
		if err := json.NewDecoder(br).Decode(&raws); err != nil {
			return nil, eris.Wrap(err, "ingest: decode batch array")
		}
	} else {
		dec := json.NewDecoder(br)
		for line := 1; ; line++ {
			var raw json.RawMessage
			err := dec.Decode(&raw)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, eris.Wrapf(err, "ingest: decode batch record %d", line)
			}
			raws = append(raws, raw)
		}
	}

	events := make([]model.InboundEvent, len(raws))
	for i, raw := range raws {
		ev, err := DecodeEvent(raw)
		if err != nil {
			ev = model.InboundEvent{Raw: raw}
		}
		events[i] = ev
	}
	return events, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

// scalarString renders a JSON scalar as text. Objects and arrays yield "".
func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return fmt.Sprint(x)
	default:
		return ""
	}
}

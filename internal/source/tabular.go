package source

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/tripjoin/internal/ingest"
	"github.com/sells-group/tripjoin/internal/model"
)

var halfColumns = []string{"half_type", "event_type", "data_type"}

func readCSV(r io.Reader, delim rune, half string) ([]model.InboundEvent, error) {
	reader := csv.NewReader(r)
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "csv: read header")
	}

	var events []model.InboundEvent
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "csv: read row %d", line)
		}
		if ev, ok := rowEvent(header, record, half); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// readXLSX reads the named sheet, or the first one. Row 1 is the header.
func readXLSX(data []byte, sheetName, half string) ([]model.InboundEvent, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open workbook")
	}

	var sheet *xlsx.Sheet
	if sheetName != "" {
		s, ok := f.Sheet[sheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", sheetName)
		}
		sheet = s
	} else {
		if len(f.Sheets) == 0 {
			return nil, eris.New("xlsx: workbook has no sheets")
		}
		sheet = f.Sheets[0]
	}

	if len(sheet.Rows) == 0 {
		return nil, nil
	}
	header := rowToStrings(sheet.Rows[0])
	var events []model.InboundEvent
	for _, row := range sheet.Rows[1:] {
		if ev, ok := rowEvent(header, rowToStrings(row), half); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

// rowEvent turns a row into the JSON object the transport would have
// delivered. Empty cells are left out so they read as absent. Blank rows
// report false.
func rowEvent(header, record []string, half string) (model.InboundEvent, bool) {
	obj := make(map[string]string, len(header))
	for i, name := range header {
		if i >= len(record) {
			break
		}
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		v := strings.TrimSpace(record[i])
		if name == "" || v == "" {
			continue
		}
		obj[name] = v
	}
	if len(obj) == 0 {
		return model.InboundEvent{}, false
	}
	if half != "" && !hasHalf(obj) {
		obj["half_type"] = half
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return model.InboundEvent{}, false
	}
	ev, err := ingest.DecodeEvent(raw)
	if err != nil {
		ev = model.InboundEvent{Raw: raw}
	}
	return ev, true
}

func hasHalf(obj map[string]string) bool {
	for _, k := range halfColumns {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

func readJSON(r *bytes.Reader, half string) ([]model.InboundEvent, error) {
	events, err := ingest.DecodeBatch(r)
	if err != nil {
		return nil, err
	}
	if half == "" {
		return events, nil
	}
	for i := range events {
		if events[i].HalfType == "" && events[i].TripID != "" {
			events[i].HalfType = half
		}
	}
	return events, nil
}

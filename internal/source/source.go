// Package source reads trip event files (CSV, XLSX, JSON, NDJSON, or ZIP
// archives of those) from local paths, HTTP, or FTP and turns every row into
// an inbound event for the ingestor.
package source

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tripjoin/internal/model"
)

// Format names a file encoding.
type Format string

const (
	FormatAuto Format = ""
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
	FormatZIP  Format = "zip"
)

// ParseFormat accepts the names used on the command line.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "csv", "tsv":
		return FormatCSV, nil
	case "xlsx":
		return FormatXLSX, nil
	case "json", "ndjson", "jsonl":
		return FormatJSON, nil
	case "zip":
		return FormatZIP, nil
	}
	return FormatAuto, eris.Errorf("source: unknown format %q", s)
}

// Options configures a Reader.
type Options struct {
	Format Format
	// Half is applied to rows without a half_type column. When empty it is
	// inferred from the file name (Trip_Start.csv, trip-end.json).
	Half       string
	Delimiter  rune
	SheetName  string
	HTTP       HTTPOptions
	FTPTimeout time.Duration
}

// Reader resolves a location and decodes its rows.
type Reader struct {
	opts Options
	http *HTTPFetcher
	ftp  *FTPFetcher
}

// New creates a Reader.
func New(opts Options) *Reader {
	return &Reader{
		opts: opts,
		http: NewHTTPFetcher(opts.HTTP),
		ftp:  NewFTPFetcher(FTPOptions{Timeout: opts.FTPTimeout}),
	}
}

// Read fetches location (a path, file://, http(s):// or ftp:// URL) and
// returns its events in file order.
func (r *Reader) Read(ctx context.Context, location string) ([]model.InboundEvent, error) {
	rc, name, err := r.open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read %s", location)
	}

	events, err := r.decode(name, data, r.opts.Format)
	if err != nil {
		return nil, err
	}
	zap.L().Info("source: read events",
		zap.String("component", "source"),
		zap.String("location", location),
		zap.Int("events", len(events)))
	return events, nil
}

// ReadFrom decodes events from an already open stream. name picks the
// format and half the same way a file name does.
func (r *Reader) ReadFrom(src io.Reader, name string) ([]model.InboundEvent, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read %s", name)
	}
	return r.decode(name, data, r.opts.Format)
}

func (r *Reader) open(ctx context.Context, location string) (io.ReadCloser, string, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain path, including Windows drive letters.
		f, err := os.Open(location)
		if err != nil {
			return nil, "", eris.Wrap(err, "source: open file")
		}
		return f, filepath.Base(location), nil
	}

	name := path.Base(u.Path)
	switch u.Scheme {
	case "file":
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, "", eris.Wrap(err, "source: open file")
		}
		return f, name, nil
	case "http", "https":
		rc, err := r.http.Download(ctx, location)
		return rc, name, err
	case "ftp":
		rc, err := r.ftp.Download(ctx, location)
		return rc, name, err
	}
	return nil, "", eris.Errorf("source: unsupported scheme %q", u.Scheme)
}

func (r *Reader) decode(name string, data []byte, format Format) ([]model.InboundEvent, error) {
	if format == FormatAuto {
		format = DetectFormat(name)
	}
	half := r.opts.Half
	if half == "" {
		half = HalfFromName(name)
	}

	switch format {
	case FormatCSV:
		return readCSV(bytes.NewReader(data), r.delimiter(name), half)
	case FormatXLSX:
		return readXLSX(data, r.opts.SheetName, half)
	case FormatJSON:
		return readJSON(bytes.NewReader(data), half)
	case FormatZIP:
		return r.readZIP(data)
	}
	return nil, eris.Errorf("source: cannot tell the format of %q", name)
}

func (r *Reader) delimiter(name string) rune {
	if r.opts.Delimiter != 0 {
		return r.opts.Delimiter
	}
	if strings.EqualFold(path.Ext(name), ".tsv") {
		return '\t'
	}
	return ','
}

// readZIP decodes every file in the archive, in archive order. Entries are
// read in memory and never written to disk.
func (r *Reader) readZIP(data []byte) ([]model.InboundEvent, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, eris.Wrap(err, "zip: open archive")
	}

	var events []model.InboundEvent
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") {
			continue
		}
		format := DetectFormat(f.Name)
		if format == FormatAuto || format == FormatZIP {
			zap.L().Debug("zip: skipping entry", zap.String("name", f.Name))
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, eris.Wrapf(err, "zip: open entry %s", f.Name)
		}
		entry, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, eris.Wrapf(err, "zip: read entry %s", f.Name)
		}

		got, err := r.decode(path.Base(f.Name), entry, format)
		if err != nil {
			return nil, eris.Wrapf(err, "zip: entry %s", f.Name)
		}
		events = append(events, got...)
	}
	return events, nil
}

// DetectFormat guesses the format from a file extension.
func DetectFormat(name string) Format {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv", ".tsv", ".txt":
		return FormatCSV
	case ".xlsx":
		return FormatXLSX
	case ".json", ".ndjson", ".jsonl":
		return FormatJSON
	case ".zip":
		return FormatZIP
	}
	return FormatAuto
}

// HalfFromName returns trip_start or trip_end when the file name carries a
// start or end word, e.g. "Trip_Start.csv" or "2025-04-20-trip-end.ndjson".
func HalfFromName(name string) string {
	base := strings.ToLower(strings.TrimSuffix(name, path.Ext(name)))
	words := strings.FieldsFunc(base, func(r rune) bool { return r < 'a' || r > 'z' })
	var start, end bool
	for _, w := range words {
		switch w {
		case "start", "tripstart", "starts", "pickup":
			start = true
		case "end", "tripend", "ends", "dropoff":
			end = true
		}
	}
	switch {
	case start && !end:
		return "trip_start"
	case end && !start:
		return "trip_end"
	}
	return ""
}

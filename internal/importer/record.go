package importer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/JakeFAU/webmonitor/internal/meta"
	"github.com/JakeFAU/webmonitor/internal/monitor"
)

// Canonical record field names. Aliases are folded into these on parse.
const (
	FieldPageURL         = "page_url"
	FieldCaptureTime     = "capture_time"
	FieldBodyURL         = "body_url"
	FieldBodyHash        = "body_hash"
	FieldSourceType      = "source_type"
	FieldSourceMetadata  = "source_metadata"
	FieldTitle           = "title"
	FieldMediaType       = "media_type"
	FieldContentLength   = "content_length"
	FieldStatus          = "status"
	FieldNetworkError    = "network_error"
	FieldPageMaintainers = "page_maintainers"
	FieldPageTags        = "page_tags"
)

// aliases lists the accepted spellings of a field, in priority order.
var aliases = map[string][]string{
	FieldBodyURL:  {"body_url", "uri"},
	FieldBodyHash: {"body_hash", "hash", "version_hash"},
}

// maxLineBytes bounds a single NDJSON record.
const maxLineBytes = 16 << 20

// Row is one raw record of a batch. Rows are numbered from 1.
type Row struct {
	Number int
	Raw    json.RawMessage
	// Err is set when the row could not be read as JSON at all.
	Err error
}

// ReadRows splits a batch into rows. A batch starting with '[' is read as a
// JSON array and must be valid as a whole; anything else is newline-delimited
// JSON where each malformed line only fails its own row.
func ReadRows(r io.Reader) ([]Row, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	if first == '[' {
		return readArray(br)
	}
	return readLines(br)
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
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}

func readArray(r io.Reader) ([]Row, error) {
	var raws []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raws); err != nil {
		return nil, monitor.Invalid("batch", "malformed JSON array: %v", err)
	}
	rows := make([]Row, 0, len(raws))
	for i, raw := range raws {
		rows = append(rows, Row{Number: i + 1, Raw: raw})
	}
	return rows, nil
}

func readLines(r io.Reader) ([]Row, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var rows []Row
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		row := Row{Number: len(rows) + 1, Raw: append(json.RawMessage(nil), line...)}
		if !json.Valid(line) {
			row.Err = monitor.Invalid("record", "malformed JSON")
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch line %d: %w", len(rows)+1, err)
	}
	return rows, nil
}

// Record is a parsed capture record.
type Record struct {
	PageURL         string
	CaptureTime     time.Time
	BodyURL         string
	BodyHash        string
	SourceType      string
	SourceMetadata  meta.Object
	Title           string
	MediaType       string
	ContentLength   int64
	Status          int
	NetworkError    string
	PageMaintainers []string
	PageTags        []string

	present map[string]bool
}

// Has reports whether the record carried field (under any alias), even as
// null.
func (r Record) Has(field string) bool {
	return r.present[field]
}

// ParseRecord decodes one row. Unknown keys are ignored.
func ParseRecord(raw []byte) (Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Record{}, monitor.Invalid("record", "must be a JSON object")
	}
	p := recordParser{fields: fields, rec: Record{present: make(map[string]bool)}}

	p.str(FieldPageURL, &p.rec.PageURL)
	p.str(FieldBodyURL, &p.rec.BodyURL)
	p.str(FieldBodyHash, &p.rec.BodyHash)
	p.str(FieldSourceType, &p.rec.SourceType)
	p.str(FieldTitle, &p.rec.Title)
	p.str(FieldMediaType, &p.rec.MediaType)
	p.str(FieldNetworkError, &p.rec.NetworkError)
	p.number(FieldStatus, &p.rec.Status)
	p.number(FieldContentLength, &p.rec.ContentLength)
	p.stringList(FieldPageMaintainers, &p.rec.PageMaintainers)
	p.stringList(FieldPageTags, &p.rec.PageTags)
	p.metadata()
	p.captureTime()
	if p.err != nil {
		return Record{}, p.err
	}

	rec := p.rec
	rec.PageURL = strings.TrimSpace(rec.PageURL)
	if rec.PageURL == "" {
		return Record{}, monitor.Invalid(FieldPageURL, "is required")
	}
	rec.BodyURL = strings.TrimSpace(rec.BodyURL)
	rec.BodyHash = strings.ToLower(strings.TrimSpace(rec.BodyHash))
	rec.SourceType = strings.TrimSpace(rec.SourceType)
	return rec, nil
}

// recordParser keeps the first decode error so field extraction reads
// linearly.
type recordParser struct {
	fields map[string]json.RawMessage
	rec    Record
	err    error
}

func (p *recordParser) lookup(field string) (json.RawMessage, bool) {
	names, ok := aliases[field]
	if !ok {
		names = []string{field}
	}
	for _, name := range names {
		if raw, ok := p.fields[name]; ok {
			p.rec.present[field] = true
			return raw, !isNull(raw)
		}
	}
	return nil, false
}

func (p *recordParser) decode(field string, dst any, want string) {
	if p.err != nil {
		return
	}
	raw, ok := p.lookup(field)
	if !ok {
		return
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		p.err = monitor.Invalid(field, "must be %s", want)
	}
}

func (p *recordParser) str(field string, dst *string) {
	p.decode(field, dst, "a string")
}

func (p *recordParser) number(field string, dst any) {
	p.decode(field, dst, "an integer")
}

func (p *recordParser) stringList(field string, dst *[]string) {
	p.decode(field, dst, "an array of strings")
}

func (p *recordParser) metadata() {
	if p.err != nil {
		return
	}
	raw, ok := p.lookup(FieldSourceMetadata)
	if !ok {
		return
	}
	obj, err := meta.Parse(raw)
	if err != nil {
		p.err = monitor.Invalid(FieldSourceMetadata, "must be a JSON object")
		return
	}
	p.rec.SourceMetadata = obj
}

func (p *recordParser) captureTime() {
	if p.err != nil {
		return
	}
	var raw string
	p.str(FieldCaptureTime, &raw)
	if p.err != nil {
		return
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		p.err = monitor.Invalid(FieldCaptureTime, "is required")
		return
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		p.err = monitor.Invalid(FieldCaptureTime, "%q is not an RFC 3339 timestamp", raw)
		return
	}
	// Stored timestamps keep microseconds; truncating here keeps the
	// (page, capture_time, source_type) lookup exact across stores.
	p.rec.CaptureTime = t.UTC().Truncate(time.Microsecond)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

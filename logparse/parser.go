package logparse

import (
	"bufio"
	"io"
	"strings"
	"time"

	"github.com/learnlog/learnlog/model"
)

// Record is one parsed log record. Lines that did not match the
// primary pattern are folded into Message, so a record's line span
// [LineBegin, LineEnd) covers every physical line it absorbed.
// Fields holds the captures contributed by secondary patterns (start,
// stop, result, identifier); downstream extraction assigns their
// semantics.
type Record struct {
	Timestamp    time.Time
	TimestampRaw string
	Level        model.LogLevel
	Logger       string
	Message      string
	LineBegin    uint
	LineEnd      uint
	Fields       map[string]string
}

// Field returns a secondary capture by name.
func (r *Record) Field(name string) (string, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// timestampLayouts are tried in order against the raw timestamp with
// any comma decimal separator normalized to a dot first.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999-0700",
	"2006-01-02 15:04:05-0700",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
}

// Parser yields the records of one log file, one at a time. It is
// single-use: one instance per file, scanned front to back, no
// restart.
type Parser struct {
	scanner *bufio.Scanner
	spec    KindSpec

	next     uint // index of the next line the scanner will produce
	pending  string
	pendLine uint
	hasPend  bool
	done     bool
}

// NewParser creates a parser for one file's decompressed text using
// the pattern set of the given kind.
func NewParser(kind model.LogKind, r io.Reader) *Parser {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Parser{scanner: scanner, spec: Spec(kind)}
}

// Next returns the next record, or false when the file is exhausted.
func (p *Parser) Next() (*Record, bool) {
	// Find the line that starts the next record. Lines preceding the
	// first primary match have no record to belong to and are skipped.
	var rec *Record
	for rec == nil {
		line, n, ok := p.readLine()
		if !ok {
			return nil, false
		}
		rec = p.begin(line, n)
	}

	// Absorb continuation lines until the next primary match, which is
	// held back for the following call.
	for {
		line, n, ok := p.readLine()
		if !ok {
			return rec, true
		}
		if p.spec.Primary.MatchString(line) {
			p.pending = line
			p.pendLine = n
			p.hasPend = true
			return rec, true
		}
		rec.Message += "\n" + line
		rec.LineEnd = n + 1
	}
}

// Err reports any underlying read error once iteration has finished.
func (p *Parser) Err() error {
	return p.scanner.Err()
}

func (p *Parser) readLine() (string, uint, bool) {
	if p.hasPend {
		p.hasPend = false
		return p.pending, p.pendLine, true
	}
	if p.done {
		return "", 0, false
	}
	if !p.scanner.Scan() {
		p.done = true
		return "", 0, false
	}
	n := p.next
	p.next++
	return p.scanner.Text(), n, true
}

// begin starts a record at a primary-matched line, or returns nil when
// the line does not match.
func (p *Parser) begin(line string, n uint) *Record {
	m := p.spec.Primary.FindStringSubmatch(line)
	if m == nil {
		return nil
	}

	rec := &Record{
		LineBegin: n,
		LineEnd:   n + 1,
		Fields:    map[string]string{},
	}
	for i, name := range p.spec.Primary.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		switch name {
		case "timestamp":
			rec.TimestampRaw = m[i]
		case "logger":
			rec.Logger = m[i]
		case "level":
			rec.Level = model.ParseLevel(m[i])
		case "message":
			rec.Message = m[i]
		default:
			rec.Fields[name] = m[i]
		}
	}
	rec.Timestamp = parseTimestamp(rec.TimestampRaw)

	// First matching secondary contributes its captures; the pattern
	// sets are constructed so secondary names never collide with
	// primary fields.
	for _, secondary := range p.spec.Secondary {
		sm := secondary.FindStringSubmatch(line)
		if sm == nil {
			continue
		}
		for i, name := range secondary.SubexpNames() {
			if i == 0 || name == "" {
				continue
			}
			rec.Fields[name] = sm[i]
		}
		break
	}
	return rec
}

// parseTimestamp converts a raw timestamp to an instant. Unparsable
// timestamps yield the zero time; the raw string stays on the record.
func parseTimestamp(raw string) time.Time {
	s := strings.Replace(raw, ",", ".", 1)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

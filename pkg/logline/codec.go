// Package logline implements the archival log-line codec: a line-oriented,
// machine-readable text grammar of the form
//
//	[2026-07-30 18:04:12] TAG key=value key2=(v1,v2) key3={k:v,k2:v2}
//
// used for the scribe's append-only activity record. Values are bare words,
// integers, floats, quoted strings, tuples of scalars, or single-level dicts
// of scalars/tuples. The grammar favors failing a single line over failing
// a whole file: Parse reports ok=false for anything it cannot fully consume,
// and callers reading a file skip such lines rather than aborting.
package logline

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Line is one decoded record.
type Line struct {
	Time   time.Time
	Tag    string
	Fields map[string]any
}

// Field is one key/value pair to emit, in caller-chosen order.
type Field struct {
	Key   string
	Value any
}

// F builds a Field. A convenience for call sites building Format argument lists.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var (
	lineRe  = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\]\s+([A-Z0-9_-]+)(?:\s+(.*))?$`)
	keyRe   = regexp.MustCompile(`^[a-zA-Z0-9_-]+`)
	intRe   = regexp.MustCompile(`^[+-]?[0-9]+$`)
	floatRe = regexp.MustCompile(`^[+-]?[0-9]+(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)
)

const timeLayout = "2006-01-02 15:04:05"

// Parse decodes a single log line. ok is false if the line does not match
// the grammar, or if trailing garbage remains after the last parsed field.
func Parse(line string) (l Line, ok bool) {
	m := lineRe.FindStringSubmatch(line)
	if m == nil {
		return Line{}, false
	}
	ts, err := time.ParseInLocation(timeLayout, m[1], time.UTC)
	if err != nil {
		return Line{}, false
	}
	fields := map[string]any{}
	p := &paramParser{s: m[3]}
	for {
		p.skipSpace()
		if p.atEnd() {
			break
		}
		key, ok := p.parseKey()
		if !ok {
			return Line{}, false
		}
		if !p.consume('=') {
			return Line{}, false
		}
		val, ok := p.parseValue()
		if !ok {
			return Line{}, false
		}
		fields[key] = val
	}
	return Line{Time: ts, Tag: m[2], Fields: fields}, true
}

// Format renders one log line in UTC, without a trailing newline.
func Format(tag string, t time.Time, fields ...Field) string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(t.UTC().Format(timeLayout))
	b.WriteString("] ")
	b.WriteString(tag)
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(formatValue(f.Value))
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return `""`
	case string:
		return formatString(x)
	case bool:
		if x {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = formatValue(e)
		}
		return "(" + strings.Join(parts, ",") + ")"
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = formatString(k) + ":" + formatValue(x[k])
		}
		return "{" + strings.Join(parts, ",") + "}"
	default:
		return formatString(fmt.Sprint(x))
	}
}

func formatString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 || r > 0x7e {
				if r > 0xffff {
					fmt.Fprintf(&b, `\U%08x`, r)
				} else {
					fmt.Fprintf(&b, `\u%04x`, r)
				}
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

package logline

import "strconv"

// paramParser walks the "key=value key2=value2 ..." tail of a log line.
type paramParser struct {
	s   string
	pos int
}

func (p *paramParser) atEnd() bool { return p.pos >= len(p.s) }

func (p *paramParser) peek() byte {
	if p.atEnd() {
		return 0
	}
	return p.s[p.pos]
}

func (p *paramParser) skipSpace() {
	for !p.atEnd() && isSpace(p.s[p.pos]) {
		p.pos++
	}
}

func (p *paramParser) consume(c byte) bool {
	if p.peek() == c {
		p.pos++
		return true
	}
	return false
}

func (p *paramParser) parseKey() (string, bool) {
	loc := keyRe.FindStringIndex(p.s[p.pos:])
	if loc == nil || loc[0] != 0 {
		return "", false
	}
	key := p.s[p.pos : p.pos+loc[1]]
	p.pos += loc[1]
	return key, true
}

// parseValue parses a scalar, tuple, or dict.
func (p *paramParser) parseValue() (any, bool) {
	switch p.peek() {
	case '(':
		return p.parseTuple()
	case '{':
		return p.parseDict()
	default:
		return p.parseScalar()
	}
}

func (p *paramParser) parseTuple() (any, bool) {
	p.pos++ // '('
	out := []any{}
	p.skipSpace()
	if p.consume(')') {
		return out, true
	}
	for {
		p.skipSpace()
		v, ok := p.parseScalar()
		if !ok {
			return nil, false
		}
		out = append(out, v)
		p.skipSpace()
		if p.consume(',') {
			continue
		}
		break
	}
	p.skipSpace()
	if !p.consume(')') {
		return nil, false
	}
	return out, true
}

func (p *paramParser) parseDict() (any, bool) {
	p.pos++ // '{'
	out := map[string]any{}
	p.skipSpace()
	if p.consume('}') {
		return out, true
	}
	for {
		p.skipSpace()
		k, ok := p.parseScalar()
		if !ok {
			return nil, false
		}
		ks, ok := k.(string)
		if !ok {
			return nil, false
		}
		p.skipSpace()
		if !p.consume(':') {
			return nil, false
		}
		p.skipSpace()
		var v any
		if p.peek() == '(' {
			v, ok = p.parseTuple()
		} else {
			v, ok = p.parseScalar()
		}
		if !ok {
			return nil, false
		}
		out[ks] = v
		p.skipSpace()
		if p.consume(',') {
			continue
		}
		break
	}
	p.skipSpace()
	if !p.consume('}') {
		return nil, false
	}
	return out, true
}

func (p *paramParser) parseScalar() (any, bool) {
	if p.atEnd() {
		return nil, false
	}
	if p.peek() == '"' || p.peek() == '\'' {
		return p.parseQuoted()
	}
	start := p.pos
	for !p.atEnd() && !isDelim(p.s[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return nil, false
	}
	tok := p.s[start:p.pos]
	if intRe.MatchString(tok) {
		n, err := strconv.ParseInt(tok, 10, 64)
		if err == nil {
			return n, true
		}
	}
	if floatRe.MatchString(tok) {
		f, err := strconv.ParseFloat(tok, 64)
		if err == nil {
			return f, true
		}
	}
	return tok, true
}

func (p *paramParser) parseQuoted() (any, bool) {
	quote := p.s[p.pos]
	p.pos++
	var out []rune
	for {
		if p.atEnd() {
			return nil, false
		}
		c := p.s[p.pos]
		if c == quote {
			p.pos++
			break
		}
		if c == '\\' && p.pos+1 < len(p.s) {
			p.pos++
			esc := p.s[p.pos]
			switch esc {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case '\\', '"', '\'':
				out = append(out, rune(esc))
			case 'u':
				if p.pos+4 < len(p.s) {
					if v, err := strconv.ParseUint(p.s[p.pos+1:p.pos+5], 16, 32); err == nil {
						out = append(out, rune(v))
						p.pos += 4
						p.pos++
						continue
					}
				}
				out = append(out, 'u')
			case 'U':
				if p.pos+8 < len(p.s) {
					if v, err := strconv.ParseUint(p.s[p.pos+1:p.pos+9], 16, 32); err == nil {
						out = append(out, rune(v))
						p.pos += 8
						p.pos++
						continue
					}
				}
				out = append(out, 'U')
			default:
				out = append(out, rune(esc))
			}
			p.pos++
			continue
		}
		out = append(out, rune(c))
		p.pos++
	}
	return string(out), true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

func isDelim(c byte) bool {
	switch c {
	case ' ', '\t', '"', '\'', '(', ')', '[', ']', '{', '}', ',', ':':
		return true
	}
	return false
}

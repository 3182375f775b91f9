// Package grbl speaks the reply side of a GRBL-flavored motion controller's
// line protocol: acknowledgements, error and alarm codes, angle-bracketed
// status reports and square-bracketed message pushes.
package grbl

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
)

// Position is a machine position report. Controllers report one value per
// configured axis; missing trailing axes stay zero.
type Position struct {
	X float64
	Y float64
	Z float64
	A float64
}

// StatusUpdate is one parsed reply line from the controller.
type StatusUpdate interface {
	IsStatusUpdate()
}

type Override struct {
	Rapid   byte
	Feed    byte
	Spindle byte
}

type LimitPins struct {
	X bool
	Y bool
	Z bool
	A bool
}

// Status is an angle-bracketed realtime report such as
// <Idle|MPos:1.000,0.000,0.000,0.000|FS:0,0>.
type Status struct {
	State           string
	MachinePosition *Position
	WorkPosition    *Position
	Feed            float64
	Override        *Override
	LimitPins       *LimitPins
}

func (s *Status) IsStatusUpdate() {}

// Idle reports whether the machine has no motion planned or executing.
func (s *Status) Idle() bool {
	return s.State == "idle"
}

// Ack is the literal "ok" acknowledging a queued command.
type Ack struct {
}

func (a *Ack) String() string {
	return "ok"
}

func (a *Ack) IsStatusUpdate() {}

// Error is an "error:N" reply to a queued command.
type Error int

func (e Error) IsStatusUpdate() {}

func (e Error) Error() string {
	return fmt.Sprintf("error:%d", int(e))
}

// Alarm is an "ALARM:N" push; the controller locks until unlocked.
type Alarm int

func (a Alarm) IsStatusUpdate() {}

func (a Alarm) Error() string {
	return fmt.Sprintf("ALARM:%d", int(a))
}

// Message is a square-bracketed push such as [MSG:Caution: Unlocked].
type Message struct {
	Text string
}

func (m *Message) IsStatusUpdate() {}

// Unlocked reports whether this is the post-unlock caution message.
func (m *Message) Unlocked() bool {
	return strings.Contains(m.Text, "Unlocked")
}

// Banner is the version line the controller prints after a reset.
type Banner struct {
	Raw string
}

func (b *Banner) IsStatusUpdate() {}

type Token int

const (
	EOF Token = iota
	Return
	Newline
	OpenAngle
	CloseAngle
	OpenBracket
	CloseBracket
	Colon
	Comma
	Bar
	Identifier
	Float
)

var tokens = []string{
	EOF:          "EOF",
	Return:       "RETURN",
	Newline:      "NEWLINE",
	OpenAngle:    "<",
	CloseAngle:   ">",
	OpenBracket:  "[",
	CloseBracket: "]",
	Colon:        ":",
	Comma:        ",",
	Bar:          "|",
	Identifier:   "IDENT",
	Float:        "FLOAT",
}

func (t Token) String() string {
	return tokens[t]
}

type Lexer struct {
	pos int
	rdr *bufio.Reader
}

func NewLexer(r io.Reader) *Lexer {
	return &Lexer{
		rdr: bufio.NewReader(r),
		pos: 0,
	}
}

func (l *Lexer) Lex() (int, Token, string) {
	for {
		l.pos++
		r, _, err := l.rdr.ReadRune()
		if err != nil {
			return l.pos, EOF, EOF.String()
		}
		switch r {
		case '\n':
			return l.pos, Newline, Newline.String()
		case '\r':
			return l.pos, Return, Return.String()
		case '<':
			return l.pos, OpenAngle, OpenAngle.String()
		case '>':
			return l.pos, CloseAngle, CloseAngle.String()
		case '[':
			return l.pos, OpenBracket, OpenBracket.String()
		case ']':
			return l.pos, CloseBracket, CloseBracket.String()
		case ':':
			return l.pos, Colon, Colon.String()
		case ',':
			return l.pos, Comma, Comma.String()
		case '|':
			return l.pos, Bar, Bar.String()
		default:
			startPos := l.pos
			if l.isFloatPart(r) {
				l.backup()
				return startPos, Float, l.lexFloat()
			}
			if unicode.IsLetter(r) {
				l.backup()
				return startPos, Identifier, l.lexString()
			}
		}
	}
}

func (l *Lexer) isFloatPart(r rune) bool {
	return unicode.IsDigit(r) || r == '.' || r == '-' || r == '+'
}

func (l *Lexer) lexFloat() string {
	var lit string
	for {
		r, _, err := l.rdr.ReadRune()
		if err != nil {
			return lit
		}
		if l.isFloatPart(r) {
			lit += string(r)
		} else {
			l.backup()
			return lit
		}
	}
}

func (l *Lexer) lexString() string {
	var lit string
	for {
		r, _, err := l.rdr.ReadRune()
		if err != nil {
			return lit
		}
		if unicode.IsLetter(r) {
			lit += string(r)
		} else {
			l.backup()
			return lit
		}
	}
}

// rest reads raw input through the delimiter, for message bodies that are
// free text rather than lexable fields.
func (l *Lexer) rest(delim byte) string {
	s, err := l.rdr.ReadString(delim)
	l.pos += len(s)
	if err != nil {
		return s
	}
	return s[:len(s)-1]
}

func (l *Lexer) backup() {
	l.pos--
	err := l.rdr.UnreadRune()
	if err != nil {
		panic(err)
	}
}

type Parser struct {
	lexer *Lexer
}

func NewParser(r io.Reader) *Parser {
	return &Parser{
		lexer: NewLexer(r),
	}
}

func (p *Parser) errorf(pos int, format string, args ...interface{}) error {
	return fmt.Errorf("%d: %s", pos, fmt.Sprintf(format, args...))
}

// parseFloats collects comma-separated floats until the next field separator,
// which is left for the caller.
func (p *Parser) parseFloats() []float64 {
	vals := make([]float64, 0, 4)
	for {
		pos, tok, lit := p.lexer.Lex()
		switch tok {
		case Colon, Comma:
			continue
		case Float:
			f, err := strconv.ParseFloat(lit, 64)
			if err != nil {
				panic(p.errorf(pos, "expected float, got %q", lit))
			}
			vals = append(vals, f)
		case Bar, CloseAngle:
			p.lexer.backup()
			return vals
		default:
			panic(p.errorf(pos, "expected float, got %q", lit))
		}
	}
}

func (p *Parser) parsePosition() *Position {
	vals := p.parseFloats()
	ret := &Position{}
	for i, v := range vals {
		switch i {
		case 0:
			ret.X = v
		case 1:
			ret.Y = v
		case 2:
			ret.Z = v
		case 3:
			ret.A = v
		}
	}
	return ret
}

func (p *Parser) parseFeed() float64 {
	vals := p.parseFloats()
	if len(vals) == 0 {
		return 0
	}
	return vals[0]
}

func (p *Parser) parseOverride() *Override {
	vals := p.parseFloats()
	ret := &Override{}
	for i, v := range vals {
		switch i {
		case 0:
			ret.Rapid = byte(v)
		case 1:
			ret.Feed = byte(v)
		case 2:
			ret.Spindle = byte(v)
		}
	}
	return ret
}

func (p *Parser) parseInt() int {
	pos, tok, lit := p.lexer.Lex()
	switch tok {
	case Newline, EOF:
		panic(p.errorf(pos, "unexpected end of line"))
	case Colon, Comma:
		return p.parseInt()
	}
	if tok != Float {
		panic(p.errorf(pos, "expected number, got %q", lit))
	}
	f, err := strconv.ParseInt(lit, 10, 32)
	if err != nil {
		panic(p.errorf(pos, "expected number, got %q", lit))
	}
	return int(f)
}

func (p *Parser) parseLimitPins(s *Status) *LimitPins {
	s.LimitPins = &LimitPins{}
	for {
		pos, tok, lit := p.lexer.Lex()
		switch tok {
		case Identifier:
			for _, c := range lit {
				switch c {
				case 'X':
					s.LimitPins.X = true
				case 'Y':
					s.LimitPins.Y = true
				case 'Z':
					s.LimitPins.Z = true
				case 'A':
					s.LimitPins.A = true
				default:
					panic(p.errorf(pos, "unknown pin %q", c))
				}
			}
		case Comma, Colon:
			continue
		case Bar, CloseAngle:
			p.lexer.backup()
			return s.LimitPins
		default:
			panic(p.errorf(pos, "unexpected %q in pin report", lit))
		}
	}
}

var machineStates = map[string]bool{
	"Idle":  true,
	"Run":   true,
	"Hold":  true,
	"Jog":   true,
	"Home":  true,
	"Alarm": true,
	"Door":  true,
	"Check": true,
	"Sleep": true,
}

func (p *Parser) parseStatusUpdate(s *Status) (*Status, error) {
	for {
		pos, tok, lit := p.lexer.Lex()
		switch tok {
		case Identifier:
			switch {
			case machineStates[lit]:
				s.State = strings.ToLower(lit)
			case lit == "MPos":
				s.MachinePosition = p.parsePosition()
			case lit == "WPos", lit == "WCO":
				s.WorkPosition = p.parsePosition()
			case lit == "F", lit == "FS":
				s.Feed = p.parseFeed()
			case lit == "Bf":
				p.parseFloats()
			case lit == "Ov":
				s.Override = p.parseOverride()
			case lit == "Pn":
				s.LimitPins = p.parseLimitPins(s)
			default:
				return nil, p.errorf(pos, "unknown identifier %q", lit)
			}
		case Bar, Comma, Colon, Float:
			continue
		case CloseAngle:
			return s, nil
		case EOF, Newline:
			return nil, p.errorf(pos, "unterminated status report")
		}
	}
}

func (p *Parser) parseMessage() *Message {
	inner := p.lexer.rest(']')
	return &Message{Text: strings.TrimPrefix(inner, "MSG:")}
}

func (p *Parser) discard() error {
	_, err := io.Copy(io.Discard, p.lexer.rdr)
	return err
}

// Parse reads one reply line and returns its variant. Malformed input
// surfaces as an error; the parser never panics across this boundary, so a
// noisy line can be logged and dropped without killing the listener.
func (p *Parser) Parse() (ret StatusUpdate, err error) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(error)
			if !ok {
				panic(r)
			}
			ret = nil
			err = e
		}
	}()
	status := new(Status)
	for {
		pos, tok, lit := p.lexer.Lex()
		switch tok {
		case Newline, Return:

		case EOF:
			return nil, io.ErrUnexpectedEOF
		case OpenAngle:
			ret, err = p.parseStatusUpdate(status)
			if err != nil {
				return nil, err
			}
			return ret, p.discard()
		case OpenBracket:
			return p.parseMessage(), p.discard()
		case Identifier:
			switch strings.ToLower(lit) {
			case "ok":
				return &Ack{}, p.discard()
			case "error":
				ret = Error(p.parseInt())
				return ret, p.discard()
			case "alarm":
				ret = Alarm(p.parseInt())
				return ret, p.discard()
			case "grbl":
				return &Banner{Raw: lit + " " + strings.TrimSpace(p.lexer.rest('\n'))}, nil
			default:
				err = fmt.Errorf("unknown identifier %q", lit)
				_ = p.discard()
				return nil, err
			}
		default:
			err = p.errorf(pos, "expected identifier, got %q", lit)
			_ = p.discard()
			return nil, err
		}
	}
}

package sip

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

type parserState int

const (
	stateStartLine = parserState(iota)
	stateHeader
	stateContent
	stateDone = parserState(-1)
)

// errParseNoMoreHeaders signals parseNextHeader hit the blank line that
// terminates the header section.
var errParseNoMoreHeaders = errors.New("no more headers")

var streamBufReader = sync.Pool{
	New: func() interface{} {
		// The Pool's New function should generally only return pointer
		// types, since a pointer can be put into the return interface
		// value without an allocation:
		return new(bytes.Buffer)
	},
}

// ParserStream incrementally parses SIP messages off a byte stream (TCP,
// TLS, WS), one message at a time, buffering only what has arrived so far.
type ParserStream struct {
	p *Parser

	// runtime values
	buf           *bytes.Buffer
	state         parserState
	totalRead     int
	msg           Message
	headerBuf     []Header
	contentLength *ContentLengthHeader
	contentOff    int
}

func (p *ParserStream) reset() {
	p.state = stateStartLine
	p.totalRead = 0
	p.msg = nil
	for i := range p.headerBuf {
		p.headerBuf[i] = nil
	}
	p.headerBuf = p.headerBuf[:0]
	p.contentLength = nil
	p.contentOff = 0
}

// Reset the parser and the internal buffer.
func (p *ParserStream) Reset() {
	p.reset()
	if p.buf != nil {
		p.buf.Reset()
	}
}

// Close the parser and free the associated resources.
func (p *ParserStream) Close() {
	p.reset()
	buf := p.buf
	p.buf = nil
	if buf != nil {
		streamBufReader.Put(buf)
	}
}

// parseSIPStreamFull parses every complete message currently buffered.
// It has slight overhead vs parsing a single full message.
func (p *ParserStream) parseSIPStreamFull(data []byte) (msgs []Message, err error) {
	err = p.ParseSIPStream(data, func(msg Message) {
		msgs = append(msgs, msg)
	})
	return msgs, err
}

// ParseSIPStream writes data into the stream buffer and invokes cb for
// every complete message it can extract, leaving any partial trailing
// message buffered for the next call.
func (p *ParserStream) ParseSIPStream(data []byte, cb func(msg Message)) error {
	if _, err := p.Write(data); err != nil {
		return err
	}
	for p.buf.Len() > 0 {
		msg, _, err := p.ParseNext()
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrParseSipPartial
		} else if err != nil {
			return err
		}
		cb(msg)
	}
	return nil
}

// Buffer returns the internal buffer used by the parser.
// This allows inspecting the current parser state and possibly recovering
// the stream with Discard.
func (p *ParserStream) Buffer() *bytes.Buffer {
	if p.buf == nil {
		p.buf = streamBufReader.Get().(*bytes.Buffer)
		p.buf.Reset()
	}
	return p.buf
}

// Discard skips n bytes and resets parser state. Used to recover the
// stream after a malformed message.
func (p *ParserStream) Discard(n int) {
	p.reset()
	if p.buf != nil {
		_ = p.buf.Next(n)
	}
}

// Write appends data to the internal buffer. Must be called before ParseNext.
func (p *ParserStream) Write(data []byte) (int, error) {
	buf := p.Buffer()
	buf.Write(data)
	return len(data), nil
}

// ParseNext parses the next SIP message from the internal buffer.
// It returns io.ErrUnexpectedEOF when more data must be written before a
// full message is available.
func (p *ParserStream) ParseNext() (Message, int, error) {
	if p.buf == nil {
		return nil, 0, io.ErrUnexpectedEOF
	}
	err := p.parseSingle()
	reset := err == nil
	msg, n := p.msg, p.totalRead
	if err == io.ErrUnexpectedEOF && p.p.MaxMessageLength > 0 && p.totalRead+p.buf.Len() > p.p.MaxMessageLength {
		err = ErrMessageTooLarge
		reset = true
	}
	if reset {
		p.reset()
	}
	return msg, n, err
}

func (p *ParserStream) advance(n int) {
	p.totalRead += n
	_ = p.buf.Next(n)
}

func (p *ParserStream) parseSingle() error {
	if p.buf == nil {
		return io.ErrUnexpectedEOF
	}
	var (
		n   int
		err error
	)
	switch p.state {
	case stateStartLine:
		var msg Message
		msg, n, err = p.p.parseStartLine(p.buf.Bytes())
		p.advance(n)
		if err != nil {
			return err
		}
		p.state = stateHeader
		p.msg = msg
		fallthrough
	case stateHeader:
		for {
			if p.p.MaxHeaderBytes > 0 && p.totalRead > p.p.MaxHeaderBytes {
				return ErrMessageTooLarge
			}
			p.headerBuf, n, err = p.p.parseNextHeader(p.headerBuf[:0], p.buf.Bytes())
			p.advance(n)
			for _, h := range p.headerBuf {
				if cl, ok := h.(*ContentLengthHeader); ok {
					p.contentLength = cl
				}
				p.msg.AppendHeader(h)
			}
			if err == errParseNoMoreHeaders {
				err = nil
				break
			}
			if err != nil {
				return err
			}
		}
		if p.contentLength == nil {
			// RFC 3261 - 7.5.
			// The Content-Length header field value is used to locate the end of
			// each SIP message in a stream. It will always be present when SIP
			// messages are sent over stream-oriented transports.
			return ErrParseReadBodyIncomplete
		}
		contentLength := int(*p.contentLength)
		if p.p.MaxBodyBytes > 0 && contentLength > p.p.MaxBodyBytes {
			return ErrMessageTooLarge
		}
		if contentLength == 0 {
			p.state = stateDone
			return nil
		}
		body := make([]byte, contentLength)
		p.msg.SetBody(body)
		p.state = stateContent
		fallthrough
	case stateContent:
		body := p.msg.Body()
		contentLength := len(body)

		n = copy(body[p.contentOff:], p.buf.Bytes())
		p.advance(n)
		p.contentOff += n

		if p.contentOff < contentLength {
			return io.ErrUnexpectedEOF
		}
		p.state = stateDone
		return nil
	default:
		return fmt.Errorf("parser is in unknown state")
	}
}

// parseStartLine reads one CRLF-terminated line from buf and parses it as a
// request or status line. It returns io.ErrUnexpectedEOF if buf does not
// yet contain a full line.
func (p *Parser) parseStartLine(buf []byte) (Message, int, error) {
	idx := bytes.Index(buf, []byte("\r\n"))
	if idx == -1 {
		return nil, 0, io.ErrUnexpectedEOF
	}
	line := string(buf[:idx])
	msg, err := ParseLine(line)
	if err != nil {
		return nil, idx + 2, err
	}
	return msg, idx + 2, nil
}

// parseNextHeader reads and parses one header line from buf, appending the
// resulting header(s) to out. It returns errParseNoMoreHeaders once it
// consumes the blank line that ends the header section, and
// io.ErrUnexpectedEOF if buf does not yet contain a full line.
func (p *Parser) parseNextHeader(out []Header, buf []byte) ([]Header, int, error) {
	idx := bytes.Index(buf, []byte("\r\n"))
	if idx == -1 {
		return out, 0, io.ErrUnexpectedEOF
	}
	if idx == 0 {
		return out, 2, errParseNoMoreHeaders
	}
	line := buf[:idx]
	out, err := p.headersParsers.ParseHeader(out, line)
	return out, idx + 2, err
}

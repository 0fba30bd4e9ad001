package omni

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Code identifies a protocol instruction.
type Code string

// Instruction codes used by Lockgate.
const (
	// CodeUnlock opens the lock (operator-issued, acknowledged by the lock).
	CodeUnlock Code = "L0"

	// CodeLock closes the lock (operator-issued, acknowledged by the lock).
	CodeLock Code = "L1"

	// CodeStatus queries lock status (operator-issued, acknowledged by the lock).
	CodeStatus Code = "S5"

	// CodeCheckIn is sent by the lock when it comes online.
	CodeCheckIn Code = "Q0"

	// CodeHeartbeat is sent by the lock periodically.
	CodeHeartbeat Code = "H0"
)

// IsCommand reports whether the code is one an operator may issue.
func (c Code) IsCommand() bool {
	switch c {
	case CodeUnlock, CodeLock, CodeStatus:
		return true
	default:
		return false
	}
}

// Frame layout constants.
const (
	outboundHeader = "*CMDS"
	inboundHeader  = "*CMDR"
	manufacturer   = "OM"
	frameSeparator = ","
	frameEnd       = '#'

	// timestampLayout is yymmddHHMMSS.
	timestampLayout = "060102150405"

	// minResponseFields is header, manufacturer, imei, timestamp, code.
	minResponseFields = 5
)

// framePrefix precedes every outbound frame.
var framePrefix = []byte{0xFF, 0xFF}

// Command is a single instruction addressed to a lock.
// It is immutable once built and consumed by exactly one send.
type Command struct {
	IMEI       string
	Code       Code
	Parameters []string
	IssuedAt   time.Time
}

// NewCommand builds a command stamped with the given instant.
func NewCommand(imei string, code Code, now time.Time, params ...string) Command {
	p := make([]string, len(params))
	copy(p, params)
	return Command{
		IMEI:       imei,
		Code:       code,
		Parameters: p,
		IssuedAt:   now,
	}
}

// Encode renders the command as wire bytes.
func (c Command) Encode() []byte {
	return Encode(c.IMEI, c.Code, c.Parameters, c.IssuedAt)
}

// Response is one decoded inbound frame.
type Response struct {
	IMEI       string
	Code       Code
	Timestamp  string
	Parameters []string
}

// Param returns the i-th parameter, or "" if absent.
func (r Response) Param(i int) string {
	if i < 0 || i >= len(r.Parameters) {
		return ""
	}
	return r.Parameters[i]
}

// Encode produces an outbound frame:
//
//	0xFF 0xFF *CMDS,OM,<imei>,<yymmddHHMMSS>,<code>[,<p1>,...]#\n
//
// The timestamp is formatted in now's location, to the second.
func Encode(imei string, code Code, params []string, now time.Time) []byte {
	var b bytes.Buffer
	b.Grow(len(framePrefix) + 48 + 8*len(params))
	b.Write(framePrefix)
	b.WriteString(outboundHeader)
	b.WriteString(frameSeparator)
	b.WriteString(manufacturer)
	b.WriteString(frameSeparator)
	b.WriteString(imei)
	b.WriteString(frameSeparator)
	b.WriteString(now.Format(timestampLayout))
	b.WriteString(frameSeparator)
	b.WriteString(string(code))
	for _, p := range params {
		b.WriteString(frameSeparator)
		b.WriteString(p)
	}
	b.WriteByte(frameEnd)
	b.WriteByte('\n')
	return b.Bytes()
}

// Decode parses an inbound frame.
//
// Leading non-ASCII bytes (such as a 0xFFFF prefix) and surrounding
// whitespace are discarded and a trailing '#' is optional. Anything that is
// not a *CMDR frame with at least five fields and a non-empty IMEI and code
// fails with ErrMalformedFrame; no partial Response is ever returned.
func Decode(frame []byte) (Response, error) {
	s := strings.TrimSpace(string(stripBinaryPrefix(frame)))
	s = strings.TrimSuffix(s, string(frameEnd))

	if !strings.HasPrefix(s, inboundHeader) {
		return Response{}, fmt.Errorf("%w: missing %s header", ErrMalformedFrame, inboundHeader)
	}

	fields := strings.Split(s, frameSeparator)
	if len(fields) < minResponseFields {
		return Response{}, fmt.Errorf("%w: %d fields, want at least %d", ErrMalformedFrame, len(fields), minResponseFields)
	}
	if fields[0] != inboundHeader {
		return Response{}, fmt.Errorf("%w: unexpected header %q", ErrMalformedFrame, fields[0])
	}

	imei := strings.TrimSpace(fields[2])
	code := strings.TrimSpace(fields[4])
	if imei == "" || code == "" {
		return Response{}, fmt.Errorf("%w: empty imei or code", ErrMalformedFrame)
	}

	var params []string
	if len(fields) > minResponseFields {
		params = make([]string, 0, len(fields)-minResponseFields)
		for _, p := range fields[minResponseFields:] {
			params = append(params, strings.TrimSpace(p))
		}
	}

	return Response{
		IMEI:       imei,
		Code:       Code(code),
		Timestamp:  strings.TrimSpace(fields[3]),
		Parameters: params,
	}, nil
}

// stripBinaryPrefix drops leading bytes outside printable ASCII.
func stripBinaryPrefix(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] > '~' || (b[i] < ' ' && !isSpace(b[i]))) {
		i++
	}
	return b[i:]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

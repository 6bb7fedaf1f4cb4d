// Package signal encodes the MSNSLP text messages exchanged on session id 0
// to negotiate, accept, decline and close calls.
package signal

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Version is the protocol tag on the start line.
const Version = "MSNSLP/1.0"

const (
	MethodInvite = "INVITE"
	MethodBye    = "BYE"
)

const (
	StatusOK       = 200
	StatusNotFound = 404
	StatusError    = 500
	StatusDecline  = 603
)

const (
	ContentSessionReq   = "application/x-msnmsgr-sessionreqbody"
	ContentTransReq     = "application/x-msnmsgr-transreqbody"
	ContentTransResp    = "application/x-msnmsgr-transrespbody"
	ContentSessionClose = "application/x-msnmsgr-sessionclosebody"
)

const (
	// EUFGUIDFile identifies a file transfer invitation.
	EUFGUIDFile = "{5D3E02AB-6190-11D3-BBBB-00C04F795683}"
	// EUFGUIDObject identifies an MSN object (avatar, emoticon) request.
	EUFGUIDObject = "{A4268EEC-FEC5-49E5-95C3-F126696BDBF6}"
)

// Body keys.
const (
	KeyEUFGUID           = "EUF-GUID"
	KeySessionID         = "SessionID"
	KeyAppID             = "AppID"
	KeyContext           = "Context"
	KeyBridges           = "Bridges"
	KeyBridge            = "Bridge"
	KeyNetID             = "NetID"
	KeyConnType          = "Conn-Type"
	KeyListening         = "Listening"
	KeyNonce             = "Nonce"
	KeyHashedNonce       = "Hashed-Nonce"
	KeyIPv4InternalAddrs = "IPv4Internal-Addrs"
	KeyIPv4InternalPort  = "IPv4Internal-Port"
)

// ErrMalformed is returned for text that is not an MSNSLP message.
var ErrMalformed = errors.New("signal: malformed message")

// Field is one "key: value" body line.
type Field struct {
	Key   string
	Value string
}

// Body is an ordered list of body fields.
type Body []Field

// Get returns the value for key, or "" when absent.
func (b Body) Get(key string) string {
	for _, f := range b {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

// Set replaces the value for key or appends it.
func (b *Body) Set(key, value string) {
	for i := range *b {
		if (*b)[i].Key == key {
			(*b)[i].Value = value
			return
		}
	}
	*b = append(*b, Field{Key: key, Value: value})
}

// Message is a parsed MSNSLP request or response.
type Message struct {
	// Method is set on requests, Status on responses.
	Method string
	Status int
	Reason string

	To          string
	From        string
	Branch      string
	CSeq        int
	CallID      string
	MaxForwards int
	ContentType string
	Body        Body
}

// NewGUID returns a new upper case GUID in braces.
func NewGUID() string {
	return "{" + strings.ToUpper(uuid.NewString()) + "}"
}

// NewInvite builds an INVITE from one passport to another.
func NewInvite(to, from, callID, contentType string, body Body) *Message {
	return &Message{
		Method:      MethodInvite,
		To:          to,
		From:        from,
		Branch:      NewGUID(),
		CallID:      callID,
		ContentType: contentType,
		Body:        body,
	}
}

// NewBye builds the BYE closing callID.
func NewBye(to, from, callID string) *Message {
	return &Message{
		Method:      MethodBye,
		To:          to,
		From:        from,
		Branch:      NewGUID(),
		CallID:      callID,
		ContentType: ContentSessionClose,
	}
}

// Reply builds a response to m with swapped endpoints.
func (m *Message) Reply(status int, contentType string, body Body) *Message {
	return &Message{
		Status:      status,
		Reason:      reasonPhrase(status),
		To:          m.From,
		From:        m.To,
		Branch:      m.Branch,
		CSeq:        m.CSeq + 1,
		CallID:      m.CallID,
		ContentType: contentType,
		Body:        body,
	}
}

// IsRequest reports whether m is a request.
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

func reasonPhrase(status int) string {
	switch status {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "Not Found"
	case StatusDecline:
		return "Decline"
	default:
		return "Internal Error"
	}
}

// Marshal encodes the message, including the trailing NUL.
func (m *Message) Marshal() []byte {
	var body bytes.Buffer
	for _, f := range m.Body {
		body.WriteString(f.Key)
		body.WriteString(": ")
		body.WriteString(f.Value)
		body.WriteString("\r\n")
	}
	body.WriteString("\r\n")
	body.WriteByte(0)

	var b bytes.Buffer
	if m.IsRequest() {
		fmt.Fprintf(&b, "%s MSNMSGR:%s %s\r\n", m.Method, m.To, Version)
	} else {
		fmt.Fprintf(&b, "%s %d %s\r\n", Version, m.Status, m.Reason)
	}
	fmt.Fprintf(&b, "To: <msnmsgr:%s>\r\n", m.To)
	fmt.Fprintf(&b, "From: <msnmsgr:%s>\r\n", m.From)
	fmt.Fprintf(&b, "Via: %s/TLP ;branch=%s\r\n", Version, m.Branch)
	fmt.Fprintf(&b, "CSeq: %d \r\n", m.CSeq)
	fmt.Fprintf(&b, "Call-ID: %s\r\n", m.CallID)
	fmt.Fprintf(&b, "Max-Forwards: %d\r\n", m.MaxForwards)
	fmt.Fprintf(&b, "Content-Type: %s\r\n", m.ContentType)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", body.Len())
	b.WriteString("\r\n")
	b.Write(body.Bytes())
	return b.Bytes()
}

// Parse decodes an MSNSLP message.
func Parse(raw []byte) (*Message, error) {
	head, rest, ok := bytes.Cut(raw, []byte("\r\n\r\n"))
	if !ok {
		return nil, errors.Wrap(ErrMalformed, "no header terminator")
	}

	lines := strings.Split(string(head), "\r\n")
	m := &Message{}
	if err := m.parseStartLine(lines[0]); err != nil {
		return nil, err
	}

	contentLength := -1
	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Wrapf(ErrMalformed, "header line %q", line)
		}
		value = strings.TrimSpace(value)

		switch key {
		case "To":
			m.To = trimAddress(value)
		case "From":
			m.From = trimAddress(value)
		case "Via":
			if _, branch, ok := strings.Cut(value, "branch="); ok {
				m.Branch = strings.TrimSpace(branch)
			}
		case "CSeq":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(ErrMalformed, "CSeq %q", value)
			}
			m.CSeq = n
		case "Call-ID":
			m.CallID = value
		case "Max-Forwards":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(ErrMalformed, "Max-Forwards %q", value)
			}
			m.MaxForwards = n
		case "Content-Type":
			m.ContentType = value
		case "Content-Length":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, errors.Wrapf(ErrMalformed, "Content-Length %q", value)
			}
			contentLength = n
		}
	}

	if contentLength >= 0 {
		if contentLength > len(rest) {
			return nil, errors.Wrapf(ErrMalformed, "Content-Length %d, have %d", contentLength, len(rest))
		}
		rest = rest[:contentLength]
	}
	rest = bytes.TrimRight(rest, "\x00")

	scanner := bufio.NewScanner(bytes.NewReader(rest))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Wrapf(ErrMalformed, "body line %q", line)
		}
		m.Body = append(m.Body, Field{Key: key, Value: strings.TrimSpace(value)})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan body")
	}
	return m, nil
}

func (m *Message) parseStartLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		return errors.Wrapf(ErrMalformed, "start line %q", line)
	}

	if parts[0] == Version {
		status, err := strconv.Atoi(parts[1])
		if err != nil {
			return errors.Wrapf(ErrMalformed, "status %q", parts[1])
		}
		m.Status = status
		m.Reason = parts[2]
		return nil
	}

	if parts[2] != Version {
		return errors.Wrapf(ErrMalformed, "version %q", parts[2])
	}
	m.Method = parts[0]
	return nil
}

func trimAddress(v string) string {
	v = strings.TrimPrefix(v, "<")
	v = strings.TrimSuffix(v, ">")
	if i := strings.IndexByte(v, ':'); i >= 0 && strings.EqualFold(v[:i], "msnmsgr") {
		v = v[i+1:]
	}
	return v
}

package notification

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strings"
)

// Command is the action a camera agent asks the relay to take.
type Command string

const (
	// CommandRefresh asks the relay to re-subscribe and poll the camera.
	CommandRefresh Command = "refresh"

	// CommandStatusActive reports that motion is being detected.
	CommandStatusActive Command = "status-active"

	// CommandStatusInactive reports that motion has stopped.
	CommandStatusInactive Command = "status-inactive"
)

// ParseCommand maps the wire value of <cmd> to a Command.
func ParseCommand(s string) (Command, bool) {
	switch c := Command(strings.TrimSpace(s)); c {
	case CommandRefresh, CommandStatusActive, CommandStatusInactive:
		return c, true
	default:
		return "", false
	}
}

// Notification is a single parsed push. It is never persisted.
type Notification struct {
	// Raw is the payload exactly as received.
	Raw []byte

	// Headers holds the framing headers when the payload was framed; nil otherwise.
	Headers map[string]string

	Command Command
	USN     string

	// ImageURL is a path on the image storage endpoint. Empty means no image.
	ImageURL string
}

// HasImage reports whether the notification references an image.
func (n *Notification) HasImage() bool {
	return n.ImageURL != ""
}

// MalformedNotificationError reports a push that could not be turned into a Notification.
type MalformedNotificationError struct {
	Reason string
	Err    error
}

func (e *MalformedNotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed notification: %s: %v", e.Reason, e.Err)
	}
	return "malformed notification: " + e.Reason
}

func (e *MalformedNotificationError) Unwrap() error {
	return e.Err
}

// IsMalformed reports whether err is (or wraps) a *MalformedNotificationError.
func IsMalformed(err error) bool {
	var target *MalformedNotificationError
	return errors.As(err, &target)
}

type message struct {
	XMLName  xml.Name `xml:"msg"`
	Cmd      string   `xml:"cmd"`
	USN      string   `xml:"usn"`
	ImageURL string   `xml:"imageurl"`
}

// Parse parses a bare <msg> body.
func Parse(body []byte) (*Notification, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, &MalformedNotificationError{Reason: "body is empty"}
	}

	var msg message
	if err := xml.Unmarshal(trimmed, &msg); err != nil {
		return nil, &MalformedNotificationError{Reason: "body is not a valid msg document", Err: err}
	}

	cmdText := strings.TrimSpace(msg.Cmd)
	if cmdText == "" {
		return nil, &MalformedNotificationError{Reason: "cmd is missing"}
	}
	cmd, ok := ParseCommand(cmdText)
	if !ok {
		return nil, &MalformedNotificationError{Reason: fmt.Sprintf("unknown cmd %q", cmdText)}
	}

	usn := strings.TrimSpace(msg.USN)
	if usn == "" {
		return nil, &MalformedNotificationError{Reason: "usn is missing"}
	}

	raw := make([]byte, len(body))
	copy(raw, body)

	return &Notification{
		Raw:      raw,
		Command:  cmd,
		USN:      usn,
		ImageURL: strings.TrimSpace(msg.ImageURL),
	}, nil
}

// Receive parses a pushed message that may carry HTTP-like framing.
// Unframed input is treated as a bare body.
func Receive(raw []byte) (*Notification, error) {
	if !isFramed(raw) {
		return Parse(raw)
	}

	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	if _, err := reader.ReadLine(); err != nil {
		return nil, &MalformedNotificationError{Reason: "missing start line", Err: err}
	}

	header, err := reader.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, &MalformedNotificationError{Reason: "unreadable headers", Err: err}
	}

	body, err := io.ReadAll(reader.R)
	if err != nil {
		return nil, &MalformedNotificationError{Reason: "unreadable body", Err: err}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &MalformedNotificationError{Reason: "body is absent"}
	}

	n, err := Parse(body)
	if err != nil {
		return nil, err
	}

	n.Raw = append([]byte(nil), raw...)
	n.Headers = make(map[string]string, len(header))
	for key, values := range header {
		if len(values) > 0 {
			n.Headers[key] = values[0]
		}
	}
	return n, nil
}

// isFramed reports whether raw starts with an HTTP request or status line.
func isFramed(raw []byte) bool {
	line := raw
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		line = raw[:i]
	}
	return bytes.Contains(line, []byte("HTTP/"))
}

// Encode renders the <msg> document camera agents send.
func Encode(cmd Command, usn, imageURL string) []byte {
	var buf bytes.Buffer
	buf.WriteString("<msg><cmd>")
	xml.EscapeText(&buf, []byte(cmd))
	buf.WriteString("</cmd><usn>")
	xml.EscapeText(&buf, []byte(usn))
	buf.WriteString("</usn><imageurl>")
	xml.EscapeText(&buf, []byte(imageURL))
	buf.WriteString("</imageurl></msg>")
	return buf.Bytes()
}

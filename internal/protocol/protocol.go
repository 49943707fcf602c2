package protocol

import (
	"bytes"
	"fmt"
	"strconv"
)

// BodySeparator delimits the parts of a message body on the wire.
const BodySeparator = "\x00"

// Command indicates the operation a message performs.
type Command byte

const (
	Response          Command = iota // a correlated status reply to a request.
	Register                         // app account registration.
	Login                            // hardware token or app credential login.
	Ping                             // liveness no-op.
	Hardware                         // pin command to/from a hardware channel.
	HardwareSync                     // replay request for last-known pin values.
	Bridge                           // bridge init or relay.
	HardwareConnected                // server push notifying apps a device came online.
)

var commandNames = map[Command]string{
	Response:          "response",
	Register:          "register",
	Login:             "login",
	Ping:              "ping",
	Hardware:          "hardware",
	HardwareSync:      "hardware_sync",
	Bridge:            "bridge",
	HardwareConnected: "hardware_connected",
}

// Valid returns true if the command is a known command.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// String returns the readable name of the command.
func (c Command) String() string {
	if v, ok := commandNames[c]; ok {
		return v
	}
	return "unknown"
}

// Status is a result code carried in the body of a Response message.
type Status byte

const (
	OK                    Status = 200
	ErrIllegalCommand     Status = 2
	ErrUserNotRegistered  Status = 3
	ErrUserAlreadyExists  Status = 4
	ErrNotAuthenticated   Status = 5
	ErrNotAllowed         Status = 6
	ErrDeviceNotInNetwork Status = 7
	ErrInvalidToken       Status = 9
)

// Message is a single framed protocol unit. ID correlates a request to its
// response; id 0 is reserved and never issued.
type Message struct {
	ID      uint16  // the correlation id of the message.
	Command Command // the operation the message performs.
	Body    []byte  // the message payload; parts separated by BodySeparator.
}

// NewMessage returns a message with the body parts joined on the separator.
func NewMessage(cmd Command, id uint16, parts ...string) Message {
	return Message{
		ID:      id,
		Command: cmd,
		Body:    JoinParts(parts...),
	}
}

// NewResponse returns a response message carrying a status code, correlated
// to the id of the message being answered.
func NewResponse(id uint16, status Status) Message {
	return Message{
		ID:      id,
		Command: Response,
		Body:    []byte(strconv.Itoa(int(status))),
	}
}

// JoinParts joins body parts on the body separator.
func JoinParts(parts ...string) []byte {
	if len(parts) == 0 {
		return nil
	}
	return []byte(joinStrings(parts))
}

func joinStrings(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += BodySeparator + p
	}
	return out
}

// Parts splits the message body on the body separator. An empty body yields
// no parts.
func (m Message) Parts() []string {
	if len(m.Body) == 0 {
		return nil
	}
	return splitBody(m.Body)
}

func splitBody(b []byte) []string {
	raw := bytes.Split(b, []byte(BodySeparator))
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		out = append(out, string(p))
	}
	return out
}

// Status extracts the status code from a response message body.
func (m Message) Status() (Status, error) {
	if m.Command != Response {
		return 0, fmt.Errorf("message is not a response; %v", m.Command)
	}
	v, err := strconv.Atoi(string(m.Body))
	if err != nil {
		return 0, err
	}
	return Status(v), nil
}

// String returns a loggable representation of the message.
func (m Message) String() string {
	return fmt.Sprintf("%s[%d] %q", m.Command, m.ID, bytes.ReplaceAll(m.Body, []byte(BodySeparator), []byte(" ")))
}

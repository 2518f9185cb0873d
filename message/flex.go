package message

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"amf-rpc/codec"
)

// Flex messaging class names.
const (
	ClassRemotingMessage    = "flex.messaging.messages.RemotingMessage"
	ClassCommandMessage     = "flex.messaging.messages.CommandMessage"
	ClassAcknowledgeMessage = "flex.messaging.messages.AcknowledgeMessage"
	ClassErrorMessage       = "flex.messaging.messages.ErrorMessage"
)

// CommandMessage operations.
const (
	CommandSubscribe   = 0
	CommandUnsubscribe = 1
	CommandPoll        = 2
	CommandClientPing  = 5
	CommandLogin       = 8
	CommandLogout      = 9
	CommandDisconnect  = 12
)

// HeaderDSId carries the client id assigned by the server on ping.
const HeaderDSId = "DSId"

// RemotingMessage is a Flex RemoteObject call: destination.operation(body...).
type RemotingMessage struct {
	MessageID   string
	ClientID    string
	Destination string
	Operation   string
	Source      string
	Body        []any
	Headers     map[string]any
}

// TargetName returns "destination.operation".
func (m *RemotingMessage) TargetName() string {
	return m.Destination + "." + m.Operation
}

// CommandMessage is a Flex channel control message.
type CommandMessage struct {
	MessageID string
	ClientID  string
	Operation int
	Headers   map[string]any
	Body      any
}

// ParseFlex recognizes a Flex message in a body sent to the "null" target.
// Flex wraps the message in a one element array. It returns a
// *RemotingMessage, a *CommandMessage, or false when v is not a Flex message.
func ParseFlex(v any) (any, bool) {
	if items, ok := v.([]any); ok && len(items) == 1 {
		v = items[0]
	}
	o, ok := v.(*codec.Object)
	if !ok {
		return nil, false
	}
	switch o.ClassName {
	case ClassRemotingMessage:
		m := &RemotingMessage{
			MessageID:   stringMember(o, "messageId"),
			ClientID:    stringMember(o, "clientId"),
			Destination: stringMember(o, "destination"),
			Operation:   stringMember(o, "operation"),
			Source:      stringMember(o, "source"),
			Headers:     mapMember(o, "headers"),
		}
		switch body := o.Get("body").(type) {
		case []any:
			m.Body = body
		case nil:
		default:
			m.Body = []any{body}
		}
		return m, true
	case ClassCommandMessage:
		return &CommandMessage{
			MessageID: stringMember(o, "messageId"),
			ClientID:  stringMember(o, "clientId"),
			Operation: intMember(o, "operation"),
			Headers:   mapMember(o, "headers"),
			Body:      o.Get("body"),
		}, true
	}
	return nil, false
}

// NewMessageID returns an upper case UUID as Flex clients generate them.
func NewMessageID() string {
	return strings.ToUpper(uuid.NewString())
}

// Acknowledge builds the AcknowledgeMessage answering correlationID.
func Acknowledge(correlationID, clientID string, body any) *codec.Object {
	return flexReply(ClassAcknowledgeMessage, correlationID, clientID).
		Set("body", body)
}

// ErrorMessage builds the ErrorMessage answering correlationID with f.
func ErrorMessage(correlationID, clientID string, f *Fault) *codec.Object {
	return flexReply(ClassErrorMessage, correlationID, clientID).
		Set("body", nil).
		Set("faultCode", f.Code).
		Set("faultString", f.String).
		Set("faultDetail", f.Detail).
		Set("rootCause", nil).
		Set("extendedData", nil)
}

func flexReply(class, correlationID, clientID string) *codec.Object {
	var client any
	if clientID != "" {
		client = clientID
	}
	return codec.NewObject(class).
		Set("messageId", NewMessageID()).
		Set("correlationId", correlationID).
		Set("clientId", client).
		Set("destination", nil).
		Set("headers", map[string]any{}).
		Set("timestamp", float64(time.Now().UnixMilli())).
		Set("timeToLive", 0)
}

func stringMember(o *codec.Object, name string) string {
	s, _ := o.Get(name).(string)
	return s
}

func intMember(o *codec.Object, name string) int {
	switch n := o.Get(name).(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return -1
}

func mapMember(o *codec.Object, name string) map[string]any {
	switch m := o.Get(name).(type) {
	case map[string]any:
		return m
	case codec.ECMAArray:
		return m
	case *codec.Object:
		return m.Members
	}
	return nil
}

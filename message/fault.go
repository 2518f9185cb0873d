package message

import (
	"fmt"

	"amf-rpc/codec"
)

// Fault codes returned to clients.
const (
	CodeResourceNotFound    = "Service.ResourceNotFound"
	CodeInvalidArgument     = "Client.Argument.Invalid"
	CodeServerProcessing    = "Server.Processing"
	CodeMessageEncoding     = "Client.Message.Encoding"
	CodeUnsupportedType     = "Client.Message.UnsupportedType"
	CodeResourceUnavailable = "Server.Resource.Unavailable"
	CodeCommandUnsupported  = "Client.Command.Unsupported"
)

// Fault is the protocol's structured error. It travels to the client in place
// of a result and is also returned as an error by the client package.
type Fault struct {
	Code   string
	String string
	Detail string
}

func NewFault(code, format string, args ...any) *Fault {
	return &Fault{Code: code, String: fmt.Sprintf(format, args...)}
}

func (f *Fault) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", f.Code, f.String, f.Detail)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.String)
}

// Value returns the fault as an onStatus body. Both the Flash remoting
// (faultCode/faultString/faultDetail) and the NetConnection status
// (level/code/description/details) member names are set.
func (f *Fault) Value() map[string]any {
	return map[string]any{
		"faultCode":   f.Code,
		"faultString": f.String,
		"faultDetail": f.Detail,
		"level":       "error",
		"code":        f.Code,
		"description": f.String,
		"details":     f.Detail,
	}
}

// FaultFromValue recognizes a decoded onStatus body, either a plain status
// object or a Flex ErrorMessage.
func FaultFromValue(v any) (*Fault, bool) {
	var members map[string]any
	switch x := v.(type) {
	case map[string]any:
		members = x
	case codec.ECMAArray:
		members = x
	case *codec.Object:
		members = x.Members
	default:
		return nil, false
	}
	code, _ := members["faultCode"].(string)
	if code == "" {
		code, _ = members["code"].(string)
	}
	if code == "" {
		return nil, false
	}
	f := &Fault{Code: code}
	if f.String, _ = members["faultString"].(string); f.String == "" {
		f.String, _ = members["description"].(string)
	}
	if f.Detail, _ = members["faultDetail"].(string); f.Detail == "" {
		f.Detail, _ = members["details"].(string)
	}
	return f, true
}

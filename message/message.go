// Package message defines the envelopes exchanged between the channel and the
// dispatcher.
//
// A Request is one decoded body of an AMF packet. The dispatcher answers every
// Request with exactly one Response, correlated by the request's response URI.
package message

import "fmt"

// Request carries a single remoting call.
//
//   - TargetName:  "service.method", e.g. "math.multiply"
//   - Arguments:   decoded positional arguments
//   - ResponseURI: the client's correlation id, e.g. "/1"
type Request struct {
	TargetName  string
	Arguments   []any
	ResponseURI string
}

// Status reports whether a Response carries a result or a fault.
type Status int

const (
	StatusSuccess Status = iota
	StatusFault
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFault:
		return "fault"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Response carries the outcome of one Request. Body is the call's return
// value on success and a *Fault otherwise.
type Response struct {
	Status         Status
	Body           any
	CorrelatingURI string
}

// Success wraps a result for req.
func Success(req *Request, body any) *Response {
	return &Response{Status: StatusSuccess, Body: body, CorrelatingURI: req.ResponseURI}
}

// Failure wraps a fault for req.
func Failure(req *Request, f *Fault) *Response {
	return &Response{Status: StatusFault, Body: f, CorrelatingURI: req.ResponseURI}
}

// Fault returns the response's fault, or nil on success.
func (r *Response) Fault() *Fault {
	if r.Status != StatusFault {
		return nil
	}
	f, _ := r.Body.(*Fault)
	return f
}

// Target returns the response body target the client expects:
// "<uri>/onResult" on success and "<uri>/onStatus" on fault.
func (r *Response) Target() string {
	if r.Status == StatusFault {
		return r.CorrelatingURI + "/onStatus"
	}
	return r.CorrelatingURI + "/onResult"
}

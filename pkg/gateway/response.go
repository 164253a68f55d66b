package gateway

import (
	"fmt"

	"sipgate-server/pkg/errors"
	"sipgate-server/pkg/version"
)

// reasonPhrases are the stock phrases for every status the gateway
// emits. Phrases never vary with the rejection cause, so a response
// reveals which rule class fired and nothing else.
var reasonPhrases = map[int]string{
	100: "Trying",
	180: "Ringing",
	200: "OK",
	202: "Accepted",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	413: "Request Entity Too Large",
	429: "Too Many Requests",
	500: "Server Internal Error",
	501: "Not Implemented",
	503: "Service Unavailable",
}

// Response is the gateway's verdict on one message, ready for a
// transport front end to serialize.
type Response struct {
	StatusCode   int
	ReasonPhrase string
	Headers      map[string]string
	Body         []byte
}

// NewResponse builds a response with the stock reason phrase and the
// server identification header.
func NewResponse(status int) *Response {
	phrase, ok := reasonPhrases[status]
	if !ok {
		phrase = "Server Internal Error"
		status = 500
	}
	return &Response{
		StatusCode:   status,
		ReasonPhrase: phrase,
		Headers: map[string]string{
			"Server": version.ServerHeader(),
		},
	}
}

// WithHeader sets a header and returns the response for chaining
func (r *Response) WithHeader(name, value string) *Response {
	r.Headers[name] = value
	return r
}

// WithBody attaches a body and its content type
func (r *Response) WithBody(contentType string, body []byte) *Response {
	r.Headers["Content-Type"] = contentType
	r.Body = body
	return r
}

// OK reports whether the response is a success or provisional status
func (r *Response) OK() bool {
	return r.StatusCode < 300
}

// FromError maps a gateway error to its response. Penalty errors carry
// the wait hint as a Retry-After header; everything else is status and
// stock phrase only.
func FromError(err error) *Response {
	resp := NewResponse(errors.SignalStatusFromError(err))
	if fields := errors.GetErrorFields(err); fields != nil {
		if retry, ok := fields["retry_after"].(int); ok && retry > 0 {
			resp.Headers["Retry-After"] = fmt.Sprintf("%d", retry)
		}
	}
	return resp
}

package tools

import (
	"strconv"
	"strings"

	"devicenerd/internal/jsonval"
)

// Status is the outcome code carried by every tool result. The values
// are part of the wire protocol and must stay stable.
type Status int

const (
	StatusSuccess Status = iota
	StatusError
	StatusNotFound
	StatusInvalidParameters
	StatusExecutionError
	StatusTimeout
	StatusAccessDenied
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusNotFound:
		return "not-found"
	case StatusInvalidParameters:
		return "invalid-parameters"
	case StatusExecutionError:
		return "execution-error"
	case StatusTimeout:
		return "timeout"
	case StatusAccessDenied:
		return "access-denied"
	}
	return "unknown"
}

// Result is the outcome of one tool execution. JSON is always a valid
// non-empty JSON document the result owns.
type Result struct {
	Status Status
	JSON   string
}

// OK reports whether the result carries a success status.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// CreateSuccessResult wraps a JSON body in a success result. An empty
// body yields "{}".
func CreateSuccessResult(body string) Result {
	if strings.TrimSpace(body) == "" {
		body = "{}"
	}
	return Result{Status: StatusSuccess, JSON: body}
}

// CreateErrorResult builds an error result with the standard error
// body shape.
func CreateErrorResult(status Status, message string) Result {
	var b strings.Builder
	b.WriteString(`{"error":true,"code":`)
	b.WriteString(strconv.Itoa(int(status)))
	b.WriteString(`,"message":`)
	b.WriteString(jsonval.Stringify(jsonval.String(message)))
	b.WriteByte('}')
	return Result{Status: status, JSON: b.String()}
}

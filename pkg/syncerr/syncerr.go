// Package syncerr defines the error records reported to subscribers of documents and connections.
package syncerr

import "fmt"

// Code classifies a Record. The numeric values match the codes used on the wire.
type Code int

const (
	InvalidDocument Code = 0
	AccessForbidden Code = 403
	NotFound        Code = 404
	ServerError     Code = 500
)

func (c Code) String() string {
	switch c {
	case InvalidDocument:
		return "InvalidDocument"
	case AccessForbidden:
		return "AccessForbidden"
	case NotFound:
		return "NotFound"
	case ServerError:
		return "ServerError"
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Record is a classified error. It is delivered once per occurrence to error subscribers.
type Record struct {
	Code   Code
	Detail string
	Err    error
}

// New builds a record with a formatted detail message.
func New(code Code, format string, args ...any) *Record {
	return &Record{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds a record around an underlying error.
func Wrap(code Code, err error, detail string) *Record {
	return &Record{Code: code, Detail: detail, Err: err}
}

func (r *Record) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s: %v", r.Code, r.Detail, r.Err)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

func (r *Record) Unwrap() error {
	return r.Err
}

// Fatal reports whether the condition stops the connection for good.
func (r *Record) Fatal() bool {
	return r.Code == AccessForbidden
}

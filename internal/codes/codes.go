package codes

import (
	"errors"
	"fmt"
)

// Code is the terminal result of one download attempt.
type Code int

const (
	Successful             Code = 0x200
	ErrorNetworkConnection Code = 0x400
	ErrorResponseStatus    Code = 0x401
	ErrorStorage           Code = 0x402
	ErrorTimeOut           Code = 0x403
	ErrorUserPause         Code = 0x404
	ErrorUserCancel        Code = 0x406
	ErrorShutdown          Code = 0x407
	ErrorTooManyRedirects  Code = 0x408
	ErrorLoad              Code = 0x409
	ErrorResourceNotFound  Code = 0x410
	ErrorMD5               Code = 0x411
	ErrorService           Code = 0x503
)

var messages = map[Code]string{
	Successful:             "Download successful",
	ErrorNetworkConnection: "Network connection error",
	ErrorResponseStatus:    "Response code non-200 or non-206",
	ErrorStorage:           "Insufficient memory space",
	ErrorTimeOut:           "Download time is overtime",
	ErrorUserPause:         "paused",
	ErrorUserCancel:        "The user canceled the download",
	ErrorShutdown:          "Shutdown",
	ErrorTooManyRedirects:  "Too many redirects",
	ErrorLoad:              "IO Error",
	ErrorResourceNotFound:  "Resource not found",
	ErrorMD5:               "Checksum mismatch",
	ErrorService:           "Service Unavailable",
}

func (c Code) String() string {
	if msg, ok := messages[c]; ok {
		return msg
	}
	return fmt.Sprintf("unknown result 0x%x", int(c))
}

// Failed reports whether the code is anything other than success.
func (c Code) Failed() bool {
	return c > Successful
}

// UserDirected reports pause and cancel outcomes, which are not faults.
func (c Code) UserDirected() bool {
	return c == ErrorUserPause || c == ErrorUserCancel
}

type Error struct {
	Code Code
	URL  string
	Err  error
}

func New(code Code, url string, cause error) *Error {
	return &Error{Code: code, URL: url, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download %s: %s (0x%x): %v", e.URL, e.Code, int(e.Code), e.Err)
	}
	return fmt.Sprintf("download %s: %s (0x%x)", e.URL, e.Code, int(e.Code))
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether err carries the given result code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Of extracts the result code from err, or ErrorLoad if none is attached.
func Of(err error) Code {
	if err == nil {
		return Successful
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrorLoad
}

package extraction

import (
	"errors"
	"fmt"
)

// Failure kinds. Every pipeline error matches exactly one of these with errors.Is.
var (
	ErrDocumentParse     = errors.New("document could not be parsed")
	ErrPageRender        = errors.New("page could not be rendered")
	ErrRecognition       = errors.New("text recognition failed")
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// Error is a pipeline failure of a given kind, optionally tied to a 1-based page
type Error struct {
	Kind error
	Page int
	Err  error
}

func newError(kind error, page int, err error) *Error {
	return &Error{Kind: kind, Page: page, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Page > 0 {
		msg = fmt.Sprintf("%s (page %d)", msg, e.Page)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// UserMessage returns the message shown to a user for a pipeline failure
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedFormat):
		return "This file type is not supported. Please upload a JPG, PNG, WEBP, HEIC image or a PDF document."
	case errors.Is(err, ErrDocumentParse):
		return "Could not read the document. The file may be damaged or password protected; please try a different file."
	case errors.Is(err, ErrPageRender):
		return "Could not render every page of the document. Please try a different file."
	case errors.Is(err, ErrRecognition):
		return "Text recognition failed. Please try again."
	default:
		return "Processing failed. Please try again."
	}
}

// Retryable reports whether the same input may succeed on a later attempt
func Retryable(err error) bool {
	return errors.Is(err, ErrRecognition)
}

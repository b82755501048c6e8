package protocol

import (
	"fmt"
	"io"
)

// Reserved frame keys used to carry the command envelope alongside the
// argument/result keys.
const (
	keyCommand  = "_command"
	keyAsk      = "_ask"
	keyAnswer   = "_answer"
	keyError    = "_error"
	keyErrorMsg = "_error_text"
)

// Box is one command or answer frame, decomposed into its envelope and
// its argument/result fields.
type Box struct {
	// Command is set on a command box (e.g. "version"); empty on an
	// answer box.
	Command string
	// AskID, when non-empty on a command box, asks the peer to reply
	// with an answer box carrying the same AnswerID.
	AskID string
	// AnswerID, when non-empty, marks this as the answer to a prior
	// AskID.
	AnswerID string
	// ErrorCode and ErrorText are set instead of Args when the remote
	// side answers with a failure.
	ErrorCode string
	ErrorText string
	// Args holds the command's arguments (command box) or its result
	// fields (successful answer box).
	Args Frame
}

// IsError reports whether this is a failure answer.
func (b Box) IsError() bool { return b.ErrorCode != "" }

// WriteBox serializes b as a single frame.
func WriteBox(w io.Writer, b Box) error {
	f := make(Frame, len(b.Args)+4)
	for k, v := range b.Args {
		f[k] = v
	}
	if b.Command != "" {
		f[keyCommand] = []byte(b.Command)
	}
	if b.AskID != "" {
		f[keyAsk] = []byte(b.AskID)
	}
	if b.AnswerID != "" {
		f[keyAnswer] = []byte(b.AnswerID)
	}
	if b.ErrorCode != "" {
		f[keyError] = []byte(b.ErrorCode)
		f[keyErrorMsg] = []byte(b.ErrorText)
	}
	return WriteFrame(w, f)
}

// ReadBox parses a previously-read Frame into a Box.
func ReadBox(f Frame) (Box, error) {
	b := Box{Args: make(Frame, len(f))}
	for k, v := range f {
		switch k {
		case keyCommand:
			b.Command = string(v)
		case keyAsk:
			b.AskID = string(v)
		case keyAnswer:
			b.AnswerID = string(v)
		case keyError:
			b.ErrorCode = string(v)
		case keyErrorMsg:
			b.ErrorText = string(v)
		default:
			b.Args[k] = v
		}
	}
	if b.Command == "" && b.AnswerID == "" {
		return Box{}, fmt.Errorf("%w: box is neither a command nor an answer", ErrMalformedFrame)
	}
	return b, nil
}

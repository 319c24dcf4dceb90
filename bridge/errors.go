package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.arsenm.dev/wvbridge/internal/types"
)

// Bridge error values
var (
	ErrTimeout            = errors.New("bridge call timed out")
	ErrFunctionNotFound   = errors.New("no such function registered")
	ErrRemoteException    = errors.New("remote function failed")
	ErrMalformedMessage   = types.ErrMalformed
	ErrChannelUnavailable = errors.New("bridge channel unavailable")
	ErrClosed             = errors.New("bridge is closed")
	ErrInvalidFunction    = errors.New("function invalid for bridge call")
	ErrUnexpectedArgument = errors.New("argument provided but the function does not accept any arguments")
	ErrIDSourceExhausted  = errors.New("could not generate a unique invocation id")
	ErrUndefinedRejection = errors.New("bridge exception is undefined")
)

// errFunctionNotFoundName is the error name used on the wire
// for missing functions
const errFunctionNotFoundName = "FunctionNotFound"

// RemoteError is the reason a call was rejected by the other side
type RemoteError struct {
	// Name is the error name reported by the remote side, such as
	// TypeError or FunctionNotFound, if it reported one
	Name string
	// Message describes the error
	Message string
	// Data is the rejection payload as it was received
	Data any
}

func (e *RemoteError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}

// Is reports FunctionNotFound rejections as ErrFunctionNotFound and
// every other rejection as ErrRemoteException
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrFunctionNotFound:
		return e.Name == errFunctionNotFoundName
	case ErrRemoteException:
		return e.Name != errFunctionNotFoundName
	}
	return false
}

// Unwrap returns ErrUndefinedRejection for rejections without payload
func (e *RemoteError) Unwrap() error {
	if e.Data == nil {
		return ErrUndefinedRejection
	}
	return nil
}

// newRemoteError builds the error for a rejection payload. A missing
// payload is never passed on as is.
func newRemoteError(data any, target string) *RemoteError {
	re := &RemoteError{Data: data}

	switch val := data.(type) {
	case nil:
		re.Message = fmt.Sprintf("bridge exception is undefined for function with name: %s", target)
	case string:
		re.Message = val
	case map[string]any:
		name, _ := val["name"].(string)
		msg, ok := val["message"].(string)
		if ok {
			re.Name = name
			re.Message = msg
		} else {
			re.Message = describe(val)
		}
	default:
		re.Message = describe(val)
	}

	return re
}

func describe(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// errorPayload is how host errors are sent to the embedded context
type errorPayload struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// errorData converts an error returned by a host function into
// a rejection payload
func errorData(err error) any {
	if m, ok := err.(json.Marshaler); ok {
		return m
	}

	var re *RemoteError
	if errors.As(err, &re) && re.Data != nil {
		return re.Data
	}

	name := "Error"
	if errors.Is(err, ErrFunctionNotFound) {
		name = errFunctionNotFoundName
	}
	return errorPayload{Name: name, Message: err.Error()}
}

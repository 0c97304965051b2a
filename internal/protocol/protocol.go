// Package protocol defines the request/response frames exchanged with a
// remote client and the typed errors they carry.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/KevinKickass/OpenMeasurementCore/internal/configstore"
	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/KevinKickass/OpenMeasurementCore/internal/model"
	"github.com/KevinKickass/OpenMeasurementCore/internal/types"
)

type Command string

const (
	CommandStart       Command = "START"
	CommandStop        Command = "STOP"
	CommandGetConfig   Command = "GET_CONFIG"
	CommandSetConfig   Command = "SET_CONFIG"
	CommandSave        Command = "SAVE"
	CommandLoadUser    Command = "LOAD_USER"
	CommandLoadDefault Command = "LOAD_DEFAULT"

	CommandKeepAlive   Command = "KEEPALIVE"
	CommandStatus      Command = "STATUS"
	CommandWriteOutput Command = "WRITE_OUTPUT"
)

// KeyModel addresses a channel's transform in SET_CONFIG.
const KeyModel = "model"

// Request is one client command. SET_CONFIG carries its single field either
// as Key/Value or as a one-entry Fields map.
type Request struct {
	ID      string                     `json:"id,omitempty"`
	Command Command                    `json:"command"`
	Path    string                     `json:"path,omitempty"`
	Key     string                     `json:"key,omitempty"`
	Value   json.RawMessage            `json:"value,omitempty"`
	Fields  map[string]json.RawMessage `json:"fields,omitempty"`
}

// SingleField returns the only field a SET_CONFIG request modifies.
func (r Request) SingleField() (string, json.RawMessage, error) {
	count := len(r.Fields)
	if r.Key != "" || len(r.Value) > 0 {
		count++
	}
	if count != 1 {
		return "", nil, &SingleFieldError{Count: count}
	}
	if r.Key != "" {
		if len(r.Value) == 0 {
			return "", nil, &SingleFieldError{Count: 0}
		}
		return r.Key, r.Value, nil
	}
	if len(r.Value) > 0 {
		return "", nil, &SingleFieldError{Count: 0}
	}
	for k, v := range r.Fields {
		return k, v, nil
	}
	return "", nil, &SingleFieldError{Count: 0}
}

// Response answers exactly one Request.
type Response struct {
	Type    string           `json:"type"`
	ID      string           `json:"id,omitempty"`
	Command Command          `json:"command"`
	OK      bool             `json:"ok"`
	Result  any              `json:"result,omitempty"`
	Error   *types.ErrorBody `json:"error,omitempty"`
}

const responseType = "response"

func Success(req Request, result any) Response {
	return Response{Type: responseType, ID: req.ID, Command: req.Command, OK: true, Result: result}
}

// Failure builds an error response whose code is derived from err.
func Failure(req Request, err error) Response {
	return Response{
		Type:    responseType,
		ID:      req.ID,
		Command: req.Command,
		Error:   &types.ErrorBody{Code: CodeOf(err), Message: err.Error()},
	}
}

// Decode parses one JSON request. Unknown top-level fields are rejected so
// that a payload trying to set several options at once never half-applies.
func Decode(data []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var req Request
	if err := dec.Decode(&req); err != nil {
		return Request{}, &FramingError{Reason: "invalid request", Err: err}
	}
	if dec.More() {
		return Request{}, &FramingError{Reason: "trailing data after request"}
	}
	req.Command = Command(strings.ToUpper(strings.TrimSpace(string(req.Command))))
	if req.Command == "" {
		return Request{}, &FramingError{Reason: "missing command"}
	}
	return req, nil
}

// FramingError reports a request that could not be parsed.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol framing: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol framing: %s", e.Reason)
}

func (e *FramingError) Unwrap() error { return e.Err }

// SingleFieldError rejects a SET_CONFIG that does not modify exactly one field.
type SingleFieldError struct {
	Count int
}

func (e *SingleFieldError) Error() string {
	return fmt.Sprintf("SET_CONFIG must modify exactly one field, got %d", e.Count)
}

// UnknownCommandError rejects a command the server does not implement.
type UnknownCommandError struct {
	Command Command
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command: %s", e.Command)
}

// CodeOf maps an error onto its wire code.
func CodeOf(err error) string {
	var (
		domain      *model.DomainError
		readErr     *hardware.ReadError
		writeErr    *hardware.WriteError
		notFound    *hardware.PathNotFoundError
		validation  *hardware.ValidationError
		framing     *FramingError
		singleField *SingleFieldError
		unknown     *UnknownCommandError
		persistence *configstore.PersistenceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &singleField):
		return types.CodeSingleFieldViolation
	case errors.As(err, &framing):
		return types.CodeProtocolFraming
	case errors.As(err, &unknown):
		return types.CodeUnknownCommand
	case errors.As(err, &notFound):
		return types.CodeConfigPathNotFound
	case errors.As(err, &validation):
		return types.CodeConfigValidation
	case errors.As(err, &domain):
		return types.CodeModelDomain
	case errors.As(err, &readErr):
		return types.CodeHardwareRead
	case errors.As(err, &writeErr):
		return types.CodeHardwareWrite
	case errors.As(err, &persistence):
		return types.CodePersistence
	}
	return types.CodeInternal
}

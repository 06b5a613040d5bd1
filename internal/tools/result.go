package tools

import "encoding/json"

// Result is the unified return type from tool execution. ForLLM is the
// content fed back to the model; structured payloads are JSON-encoded into
// it. Tool failures are values, never errors thrown into the agent loop.
type Result struct {
	ForLLM  string `json:"for_llm"`
	IsError bool   `json:"is_error"`
	Err     error  `json:"-"` // internal error, not serialized
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

// StructuredResult JSON-encodes a payload for the model.
func StructuredResult(payload any) *Result {
	data, err := json.Marshal(payload)
	if err != nil {
		return ErrorResult("tool produced unencodable result").WithError(err)
	}
	return &Result{ForLLM: string(data)}
}

// StructuredError JSON-encodes an error object for the model.
func StructuredError(payload any) *Result {
	data, err := json.Marshal(payload)
	if err != nil {
		return ErrorResult("tool produced unencodable error").WithError(err)
	}
	return &Result{ForLLM: string(data), IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

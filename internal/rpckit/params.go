package rpckit

import (
	"encoding/json"
)

// ParamArray decodes a positional params array, tolerating an empty or
// absent params field as zero arguments. Admin/user plane commands carry
// their arguments positionally, per spec.md §4.6/§4.7's "create_new_key
// (keyName, passphrase, nsec?)" style signatures.
func ParamArray(raw json.RawMessage) ([]json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, New(BadRequest, "params must be a JSON array: %s", err.Error())
	}
	return arr, nil
}

// ParamString decodes the i-th positional argument as a required string.
func ParamString(arr []json.RawMessage, i int) (string, error) {
	if i >= len(arr) {
		return "", New(BadRequest, "missing required param at position %d", i)
	}
	var s string
	if err := json.Unmarshal(arr[i], &s); err != nil {
		return "", New(BadRequest, "param at position %d must be a string", i)
	}
	return s, nil
}

// ParamStringOptional decodes the i-th positional argument as a string,
// returning def if the argument is absent.
func ParamStringOptional(arr []json.RawMessage, i int, def string) string {
	if i >= len(arr) {
		return def
	}
	var s string
	if err := json.Unmarshal(arr[i], &s); err != nil {
		return def
	}
	return s
}

// ParamInt decodes the i-th positional argument as an int, returning
// ok=false if the argument is absent.
func ParamInt(arr []json.RawMessage, i int) (int, bool, error) {
	if i >= len(arr) {
		return 0, false, nil
	}
	var n float64
	if err := json.Unmarshal(arr[i], &n); err != nil {
		return 0, false, New(BadRequest, "param at position %d must be a number", i)
	}
	return int(n), true, nil
}

// ParamObject decodes the i-th positional argument into dst, a pointer to
// a struct or map.
func ParamObject(arr []json.RawMessage, i int, dst any) error {
	if i >= len(arr) {
		return New(BadRequest, "missing required param at position %d", i)
	}
	if err := json.Unmarshal(arr[i], dst); err != nil {
		return New(BadRequest, "param at position %d: %s", i, err.Error())
	}
	return nil
}

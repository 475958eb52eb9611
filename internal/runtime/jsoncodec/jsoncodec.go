// Package jsoncodec centralises JSON encoding so every component shares the
// same sonic configuration (encoding/json compatible behaviour).
package jsoncodec

import (
	"bytes"
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

// Valid reports whether data is syntactically valid JSON.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

// IsArray reports whether the top-level JSON value is an array.
func IsArray(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// HasKey reports whether the top-level JSON object contains key. It does not
// decode the rest of the document.
func HasKey(data []byte, key string) bool {
	node, err := sonic.Get(data, key)
	if err != nil {
		return false
	}
	return node.Exists()
}

// Package jsoncodec centralises JSON handling on sonic.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var (
	std = sonic.ConfigStd
	// numbers keeps JSON numbers as json.Number when decoding into any.
	numbers = sonic.Config{UseNumber: true, EscapeHTML: true, SortMapKeys: true}.Froze()
)

func Marshal(v any) ([]byte, error) {
	return std.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return std.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return std.Unmarshal(data, v)
}

// UnmarshalNumbers decodes like Unmarshal but leaves numbers as json.Number so
// large integer ids survive the round trip through map[string]any.
func UnmarshalNumbers(data []byte, v any) error {
	return numbers.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return std.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return std.NewDecoder(r).Decode(v)
}

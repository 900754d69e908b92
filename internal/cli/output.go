package cli

import (
	"fmt"
	"io"

	"github.com/drblury/outboxflow/internal/runtime/jsoncodec"
)

// writeResult prints v as indented JSON or text verbatim.
func writeResult(w io.Writer, format string, v any, text string) error {
	if format == "json" {
		data, err := jsoncodec.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	_, err := io.WriteString(w, text)
	return err
}

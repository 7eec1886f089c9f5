package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
)

// writeSSEEvent emits one server-sent event carrying a JSON payload. Callers
// flush after each frame so partial responses reach the client immediately.
func writeSSEEvent(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
		return err
	}
	return nil
}

package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/af-corp/ollama-gateway/internal/backend"
)

const relayBufferSize = 32 * 1024

// relayStream forwards a chunked backend response to the client, flushing
// after every read so each backend chunk reaches the client as soon as it
// arrives. It returns the number of body bytes written. The backend body is
// always closed, which also releases the backend connection when the client
// goes away mid-stream.
func relayStream(w http.ResponseWriter, resp *backend.Streamed) (int64, error) {
	defer resp.Body.Close()

	rc := http.NewResponseController(w)

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.Status)
	// Send headers now; the first chunk may take a while.
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return 0, err
	}

	var written int64
	buf := make([]byte, relayBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			m, err := w.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, err
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return written, err
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

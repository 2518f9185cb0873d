package channel

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// ServeHTTP accepts AMF packets POSTed to the channel.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, c.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		c.logger.Warn("read request body", zap.Error(err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	out, err := c.HandleRequest(r.Context(), raw)
	if err != nil {
		c.logger.Error("handle request", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	if _, err := w.Write(out); err != nil {
		c.logger.Debug("write response", zap.Error(err))
	}
}

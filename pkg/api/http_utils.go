package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// errPayloadTooLarge is returned when the request body exceeds MaxBodyBytes
var errPayloadTooLarge = errors.New("payload too large")

// readJSON decodes a size-limited JSON request body into v
func readJSON(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w (max %d bytes)", errPayloadTooLarge, limit)
		}
		return err
	}
	if len(body) == 0 {
		return &gocredit.ValidationError{Field: "body", Message: "Request body is required."}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &gocredit.ValidationError{Field: "body", Message: "Request body is not valid JSON."}
	}
	return nil
}

// writeJSON writes a JSON response with proper headers
func writeJSON(w http.ResponseWriter, code int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(data)
}

/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"code.cloudfoundry.org/bytefmt"
)

// MalformedRequestError is an error that occurs in case of incorrect request.
type MalformedRequestError struct {
	HTTPStatusCode int
	Message        string
}

// Error returns a string representation of MalformedRequestError.
func (e *MalformedRequestError) Error() string {
	return e.Message
}

// NewTooLargeMalformedRequestError creates a new MalformedRequestError for case when request body is too large.
func NewTooLargeMalformedRequestError(maxSizeBytes uint64) *MalformedRequestError {
	return &MalformedRequestError{
		http.StatusRequestEntityTooLarge,
		fmt.Sprintf("Request body must not be larger than %s.", bytefmt.ByteSize(maxSizeBytes)),
	}
}

// ReadRequestBody reads the whole body, at most maxSizeBytes of it (no limit if 0).
// A larger body results in *MalformedRequestError with 413 status.
func ReadRequestBody(rw http.ResponseWriter, r *http.Request, maxSizeBytes uint64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body := r.Body
	if maxSizeBytes > 0 {
		body = http.MaxBytesReader(rw, r.Body, int64(maxSizeBytes))
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, NewTooLargeMalformedRequestError(maxSizeBytes)
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return data, nil
}

// DecodeRequestJSON tries to read request body and decode it as JSON.
func DecodeRequestJSON(r *http.Request, dst interface{}) error {
	if reqContentType := r.Header.Get("Content-Type"); reqContentType != "" {
		contentType, _, err := mime.ParseMediaType(reqContentType)
		if err != nil {
			return &MalformedRequestError{
				http.StatusUnsupportedMediaType,
				fmt.Sprintf("failed to parse Content-Type header for request: %s", err),
			}
		}
		if contentType != ContentTypeAppJSON {
			return &MalformedRequestError{
				http.StatusUnsupportedMediaType,
				fmt.Sprintf("Content-Type %q is not supported.", contentType),
			}
		}
	}

	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var unmarshalTypeErr *json.UnmarshalTypeError
		switch {
		case errors.Is(err, io.EOF):
			return &MalformedRequestError{http.StatusBadRequest, "Request body must not be empty."}
		case errors.Is(err, io.ErrUnexpectedEOF):
			return &MalformedRequestError{http.StatusBadRequest, "Request body contains badly-formed JSON."}
		case errors.As(err, &syntaxErr):
			return &MalformedRequestError{http.StatusBadRequest,
				fmt.Sprintf("Request body contains badly-formed JSON (at position %d).", syntaxErr.Offset)}
		case errors.As(err, &unmarshalTypeErr):
			return &MalformedRequestError{http.StatusBadRequest,
				fmt.Sprintf("Request body contains an invalid value for the %q field (at position %d).",
					unmarshalTypeErr.Field, unmarshalTypeErr.Offset)}
		default:
			return err
		}
	}
	if decoder.More() {
		return &MalformedRequestError{http.StatusBadRequest, "Request body must only contain a single JSON object."}
	}
	return nil
}

/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/stretchr/testify/require"
)

const contentTypeAppJSON = "application/json"

// ErrorRespData mirrors the body of an error response.
type ErrorRespData struct {
	Domain  string                 `json:"domain"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context"`
}

type wrappedErrorRespData struct {
	Error ErrorRespData `json:"error"`
}

// RequireErrorInRecorder asserts that the recorded response contains an error with the given status, domain and code.
// The decoded error is returned for further checks.
func RequireErrorInRecorder(
	t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantErrDomain, wantErrCode string,
) ErrorRespData {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	return requireErrorInResponse(t, resp.Code, resp.Header(), resp.Body, wantHTTPCode, wantErrDomain, wantErrCode)
}

// RequireErrorInResponse is RequireErrorInRecorder for a real http.Response.
func RequireErrorInResponse(
	t require.TestingT, resp *http.Response, wantHTTPCode int, wantErrDomain, wantErrCode string,
) ErrorRespData {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	return requireErrorInResponse(t, resp.StatusCode, resp.Header, resp.Body, wantHTTPCode, wantErrDomain, wantErrCode)
}

func requireErrorInResponse(
	t require.TestingT, code int, header http.Header, body io.Reader, wantHTTPCode int, wantErrDomain, wantErrCode string,
) ErrorRespData {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, wantHTTPCode, code)
	require.Equal(t, contentTypeAppJSON, header.Get("Content-Type"))
	var errResp wrappedErrorRespData
	require.NoError(t, json.NewDecoder(body).Decode(&errResp))
	require.Equal(t, wantErrDomain, errResp.Error.Domain)
	require.Equal(t, wantErrCode, errResp.Error.Code)
	return errResp.Error
}

// RequireEmptyBodyInRecorder asserts that the recorded response has an empty body.
func RequireEmptyBodyInRecorder(t require.TestingT, resp *httptest.ResponseRecorder) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	bodyBytes, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Empty(t, bodyBytes)
}

// RequireJSONInRecorder asserts that the recorded response contains want encoded as JSON.
// dest must be a pointer of the same type as want.
func RequireJSONInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, want, dest interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, contentTypeAppJSON, resp.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), dest))
	require.Equal(t, want, dest)
}

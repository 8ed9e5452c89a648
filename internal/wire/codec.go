package wire

import (
	"bytes"
	"encoding/json"

	"github.com/roach88/replica/internal/syncerr"
)

// Encode serializes a message.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decode(b []byte, v any, what string) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return syncerr.Wrap(syncerr.CodeProtocol, err, "decode %s", what)
	}
	return nil
}

// DecodeRequest parses a VersionRequest. Malformed input is a PROTOCOL
// error.
func DecodeRequest(b []byte) (VersionRequest, error) {
	var req VersionRequest
	err := decode(b, &req, "version request")
	return req, err
}

// DecodeResponse parses a VersionResponse.
func DecodeResponse(b []byte) (VersionResponse, error) {
	var resp VersionResponse
	err := decode(b, &resp, "version response")
	return resp, err
}

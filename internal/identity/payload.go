package identity

import (
	"strconv"
	"strings"
)

// Signature payload versions. Version 2 appends the server-issued
// challenge nonce as a trailing segment.
const (
	payloadVersionPlain = "1"
	payloadVersionNonce = "2"
)

// SignaturePayload builds the delimiter-joined tuple the gateway verifies.
// The segment order is part of the wire contract:
//
//	version|deviceID|clientID|clientMode|role|scopes(comma)|signedAtMs|token[|nonce]
func SignaturePayload(deviceID, clientID, clientMode, role string, scopes []string, signedAtMs int64, token, nonce string) string {
	version := payloadVersionPlain
	if nonce != "" {
		version = payloadVersionNonce
	}
	segments := []string{
		version,
		deviceID,
		clientID,
		clientMode,
		role,
		strings.Join(scopes, ","),
		strconv.FormatInt(signedAtMs, 10),
		token,
	}
	if nonce != "" {
		segments = append(segments, nonce)
	}
	return strings.Join(segments, "|")
}

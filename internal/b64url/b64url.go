// Package b64url encodes/decodes the unpadded base64url header envelopes
// used for agent passports, provider quotes, and template configs.
package b64url

import "encoding/base64"

func EncodeJSON(canonicalJSON []byte) string {
	return base64.RawURLEncoding.EncodeToString(canonicalJSON)
}

func DecodeJSON(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

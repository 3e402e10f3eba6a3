package canonical

// HashAndStamp computes the sha256 hex digest of v's canonical form with its
// hash field left absent (the caller must leave that field's zero value /
// omitempty so it doesn't appear in the first marshal), calls setHash to
// populate the field, and returns the final canonical bytes together with
// the digest. This matches spec's "writer sets artifactHash then
// re-serializes" rule.
func HashAndStamp(v any, setHash func(hash string)) (finalBytes []byte, hash string, err error) {
	unstamped, err := Marshal(v)
	if err != nil {
		return nil, "", err
	}
	hash = SHA256Hex(unstamped)
	setHash(hash)
	finalBytes, err = Marshal(v)
	if err != nil {
		return nil, "", err
	}
	return finalBytes, hash, nil
}

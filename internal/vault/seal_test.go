package vault

import "testing"

func testKey() [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestSeal_RoundTrip(t *testing.T) {
	s := NewSealer(testKey())
	env, err := s.Seal([]byte("sk_live_secret"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Open(env)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "sk_live_secret" {
		t.Fatalf("got %q", got)
	}
}

func TestSeal_DifferentNoncePerCall(t *testing.T) {
	s := NewSealer(testKey())
	a, _ := s.Seal([]byte("x"))
	b, _ := s.Seal([]byte("x"))
	if a == b {
		t.Fatalf("expected distinct envelopes for repeated seals of same plaintext")
	}
}

func TestOpen_RejectsMalformed(t *testing.T) {
	s := NewSealer(testKey())
	cases := []string{
		"",
		"not-an-envelope",
		"enc:v1:onlytwoparts",
		"plain:v1:a:b",
	}
	for _, c := range cases {
		if _, err := s.Open(c); err == nil {
			t.Fatalf("expected error for %q", c)
		}
	}
}

func TestOpen_RejectsUnknownVersion(t *testing.T) {
	s := NewSealer(testKey())
	env, _ := s.Seal([]byte("x"))
	// swap v1 for v9
	bad := "enc:v9:" + env[len("enc:v1:"):]
	if _, err := s.Open(bad); err != ErrUnsupportedVersion {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestOpen_WrongKeyFails(t *testing.T) {
	s1 := NewSealer(testKey())
	var otherKey [32]byte
	otherKey[0] = 0xff
	s2 := NewSealer(otherKey)

	env, _ := s1.Seal([]byte("secret"))
	if _, err := s2.Open(env); err == nil {
		t.Fatalf("expected decryption failure with wrong key")
	}
}

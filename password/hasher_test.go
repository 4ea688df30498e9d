package password

import (
	"errors"
	"strings"
	"testing"
)

func testParams() Params {
	return Params{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()

	h, err := NewHasher(testParams())
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	return h
}

func TestHashAndVerify(t *testing.T) {
	hasher := newTestHasher(t)

	digest, err := hasher.Hash("P@ssw0rd-Ascii")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !strings.HasPrefix(digest, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected PHC prefix: %s", digest)
	}

	if !hasher.Verify("P@ssw0rd-Ascii", digest) {
		t.Fatal("expected verification to succeed")
	}
	if hasher.Verify("wrong-password", digest) {
		t.Fatal("expected wrong password verification to fail")
	}
}

func TestHashUniqueSalts(t *testing.T) {
	hasher := newTestHasher(t)

	a, err := hasher.Hash("same-password")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	b, err := hasher.Hash("same-password")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if a == b {
		t.Fatal("expected two hashes of the same password to differ")
	}
}

func TestHashRejectsShortPassword(t *testing.T) {
	hasher := newTestHasher(t)

	if _, err := hasher.Hash("short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
}

func TestVerifyFailsClosedOnMalformedDigest(t *testing.T) {
	hasher := newTestHasher(t)

	for _, digest := range []string{
		"",
		"not-a-digest",
		"$argon2id$v=19$m=8192,t=1,p=1$",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!$!!!",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$a2V5",
	} {
		if hasher.Verify("any-password", digest) {
			t.Fatalf("expected malformed digest %q to verify false", digest)
		}
	}
}

func TestNeedsRehash(t *testing.T) {
	weak, err := NewHasher(testParams())
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	digest, err := weak.Hash("test-password")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	strong, err := NewHasher(Params{
		Memory:      64 * 1024,
		Time:        2,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}

	upgrade, err := strong.NeedsRehash(digest)
	if err != nil {
		t.Fatalf("NeedsRehash failed: %v", err)
	}
	if !upgrade {
		t.Fatal("expected weaker digest to need a rehash")
	}

	current, err := strong.Hash("test-password")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	upgrade, err = strong.NeedsRehash(current)
	if err != nil {
		t.Fatalf("NeedsRehash failed: %v", err)
	}
	if upgrade {
		t.Fatal("expected current digest to not need a rehash")
	}
}

func TestNewHasherRejectsWeakParams(t *testing.T) {
	cases := []Params{
		{Memory: 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32},
		{Memory: 8192, Time: 0, Parallelism: 1, SaltLength: 16, KeyLength: 32},
		{Memory: 8192, Time: 1, Parallelism: 0, SaltLength: 16, KeyLength: 32},
		{Memory: 8192, Time: 1, Parallelism: 1, SaltLength: 8, KeyLength: 32},
		{Memory: 8192, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 8},
	}
	for i, p := range cases {
		if _, err := NewHasher(p); err == nil {
			t.Fatalf("case %d: expected params below floor to be rejected", i)
		}
	}
}

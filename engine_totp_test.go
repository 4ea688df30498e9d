package credcore

import (
	"context"
	"encoding/base32"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/halcyonlabs/credcore/otp"
)

// codeFor computes the current TOTP code for a provisioned secret using
// the same parameters the engine runs with.
func codeFor(t *testing.T, env *testEnv, secretBase32 string) string {
	t.Helper()

	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secretBase32)
	if err != nil {
		t.Fatalf("base32 decode failed: %v", err)
	}
	m, err := otp.NewManager(otp.Config{
		Issuer:    "credcore-test",
		Digits:    6,
		Period:    30,
		Skew:      1,
		Algorithm: "SHA1",
	})
	if err != nil {
		t.Fatalf("otp.NewManager failed: %v", err)
	}
	code, err := m.GenerateCode(secret, env.clock.Now())
	if err != nil {
		t.Fatalf("GenerateCode failed: %v", err)
	}
	return code
}

func enrollTOTP(t *testing.T, env *testEnv, subject string) string {
	t.Helper()
	ctx := context.Background()

	prov, err := env.engine.ProvisionTOTP(ctx, subject)
	if err != nil {
		t.Fatalf("ProvisionTOTP failed: %v", err)
	}
	if err := env.engine.ActivateTOTP(ctx, subject, codeFor(t, env, prov.SecretBase32)); err != nil {
		t.Fatalf("ActivateTOTP failed: %v", err)
	}
	return prov.SecretBase32
}

func TestProvisionTOTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedUser(t, "u1", "alice", "correct-horse-battery")

	prov, err := env.engine.ProvisionTOTP(ctx, "u1")
	if err != nil {
		t.Fatalf("ProvisionTOTP failed: %v", err)
	}
	if prov.SecretBase32 == "" {
		t.Fatal("expected a base32 secret")
	}
	if !strings.HasPrefix(prov.URI, "otpauth://totp/") || !strings.Contains(prov.URI, "alice") {
		t.Fatalf("unexpected provisioning URI: %s", prov.URI)
	}

	// A pending enrollment does not gate sign-in yet.
	if _, err := env.engine.SignIn(ctx, "alice", "correct-horse-battery", ""); err != nil {
		t.Fatalf("SignIn with pending enrollment failed: %v", err)
	}

	if _, err := env.engine.ProvisionTOTP(ctx, "nobody"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown subject, got %v", err)
	}
}

func TestActivateTOTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedUser(t, "u1", "alice", "correct-horse-battery")

	if err := env.engine.ActivateTOTP(ctx, "u1", "123456"); !errors.Is(err, ErrOTPNotEnrolled) {
		t.Fatalf("expected ErrOTPNotEnrolled before provisioning, got %v", err)
	}

	prov, err := env.engine.ProvisionTOTP(ctx, "u1")
	if err != nil {
		t.Fatalf("ProvisionTOTP failed: %v", err)
	}

	if err := env.engine.ActivateTOTP(ctx, "u1", "000000"); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("expected ErrOTPInvalid for a wrong code, got %v", err)
	}
	if err := env.engine.ActivateTOTP(ctx, "u1", codeFor(t, env, prov.SecretBase32)); err != nil {
		t.Fatalf("ActivateTOTP failed: %v", err)
	}
}

func TestSignInEnforcesSecondFactor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedUser(t, "u1", "alice", "correct-horse-battery")
	secret := enrollTOTP(t, env, "u1")

	// Missing and wrong codes fail distinctly from the password check.
	if _, err := env.engine.SignIn(ctx, "alice", "correct-horse-battery", ""); !errors.Is(err, ErrOTPRequired) {
		t.Fatalf("expected ErrOTPRequired, got %v", err)
	}
	if _, err := env.engine.SignIn(ctx, "alice", "correct-horse-battery", "000000"); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("expected ErrOTPInvalid, got %v", err)
	}

	// Activation consumed the current window; move to the next one.
	env.clock.Advance(31 * time.Second)
	if _, err := env.engine.SignIn(ctx, "alice", "correct-horse-battery", codeFor(t, env, secret)); err != nil {
		t.Fatalf("SignIn with valid code failed: %v", err)
	}
}

func TestSignInRejectsReplayedCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedUser(t, "u1", "alice", "correct-horse-battery")
	secret := enrollTOTP(t, env, "u1")

	env.clock.Advance(31 * time.Second)
	code := codeFor(t, env, secret)

	if _, err := env.engine.SignIn(ctx, "alice", "correct-horse-battery", code); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}

	// The same code inside the same window is a replay even though it is
	// arithmetically valid.
	if _, err := env.engine.SignIn(ctx, "alice", "correct-horse-battery", code); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("expected ErrOTPInvalid for replayed code, got %v", err)
	}

	// The next window's code is fine.
	env.clock.Advance(31 * time.Second)
	if _, err := env.engine.SignIn(ctx, "alice", "correct-horse-battery", codeFor(t, env, secret)); err != nil {
		t.Fatalf("SignIn with next-window code failed: %v", err)
	}
}

// Two sign-ins race with the same code. Both read the old counter, but
// the conditional counter write lets exactly one claim it; the other is
// a replay regardless of interleaving.
func TestConcurrentSignInSameCodeSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedUser(t, "u1", "alice", "correct-horse-battery")
	secret := enrollTOTP(t, env, "u1")

	env.clock.Advance(31 * time.Second)
	code := codeFor(t, env, secret)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.SignIn(ctx, "alice", "correct-horse-battery", code)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var accepted, replayed int
	for err := range results {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrOTPInvalid):
			replayed++
		default:
			t.Fatalf("unexpected sign-in error: %v", err)
		}
	}
	if accepted != 1 || replayed != 1 {
		t.Fatalf("expected exactly one accepted and one replayed sign-in, got accepted=%d replayed=%d", accepted, replayed)
	}
}

func TestDisableTOTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedUser(t, "u1", "alice", "correct-horse-battery")

	if err := env.engine.DisableTOTP(ctx, "u1", "123456"); !errors.Is(err, ErrOTPNotEnrolled) {
		t.Fatalf("expected ErrOTPNotEnrolled, got %v", err)
	}

	secret := enrollTOTP(t, env, "u1")

	if err := env.engine.DisableTOTP(ctx, "u1", "000000"); !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("expected ErrOTPInvalid for a wrong code, got %v", err)
	}

	env.clock.Advance(31 * time.Second)
	if err := env.engine.DisableTOTP(ctx, "u1", codeFor(t, env, secret)); err != nil {
		t.Fatalf("DisableTOTP failed: %v", err)
	}

	// The second factor no longer gates sign-in.
	if _, err := env.engine.SignIn(ctx, "alice", "correct-horse-battery", ""); err != nil {
		t.Fatalf("SignIn after disable failed: %v", err)
	}
}

func TestProvisionReplacesActiveEnrollment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedUser(t, "u1", "alice", "correct-horse-battery")
	enrollTOTP(t, env, "u1")

	// Re-keying drops back to a pending enrollment; the old factor stops
	// gating sign-in until the new secret is activated.
	prov, err := env.engine.ProvisionTOTP(ctx, "u1")
	if err != nil {
		t.Fatalf("ProvisionTOTP failed: %v", err)
	}
	if _, err := env.engine.SignIn(ctx, "alice", "correct-horse-battery", ""); err != nil {
		t.Fatalf("SignIn with pending re-enrollment failed: %v", err)
	}

	env.clock.Advance(31 * time.Second)
	if err := env.engine.ActivateTOTP(ctx, "u1", codeFor(t, env, prov.SecretBase32)); err != nil {
		t.Fatalf("ActivateTOTP failed: %v", err)
	}
	if _, err := env.engine.SignIn(ctx, "alice", "correct-horse-battery", ""); !errors.Is(err, ErrOTPRequired) {
		t.Fatalf("expected ErrOTPRequired after re-activation, got %v", err)
	}
}

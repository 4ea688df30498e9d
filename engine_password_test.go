package credcore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/halcyonlabs/credcore/mail"
)

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedUser(t, "u1", "alice", "correct-horse-battery")

	pair := signIn(t, env)

	if err := env.engine.ChangePassword(ctx, "u1", "wrong-password-1", "brand-new-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong current password, got %v", err)
	}
	if err := env.engine.ChangePassword(ctx, "u1", "correct-horse-battery", "correct-horse-battery"); !errors.Is(err, ErrPasswordReuse) {
		t.Fatalf("expected ErrPasswordReuse, got %v", err)
	}
	if err := env.engine.ChangePassword(ctx, "u1", "correct-horse-battery", "short"); !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}

	if err := env.engine.ChangePassword(ctx, "u1", "correct-horse-battery", "brand-new-password"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	// Old password is gone, new one works.
	if _, err := env.engine.SignIn(ctx, "alice", "correct-horse-battery", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected old password to be rejected, got %v", err)
	}
	if _, err := env.engine.SignIn(ctx, "alice", "brand-new-password", ""); err != nil {
		t.Fatalf("SignIn with new password failed: %v", err)
	}

	// Every pre-change session is revoked.
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected pre-change session to be revoked, got %v", err)
	}
}

func TestRequestPasswordResetSilentOnUnknownIdentifier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedUser(t, "u1", "alice", "correct-horse-battery")

	if err := env.engine.RequestPasswordReset(ctx, "nobody", "en"); err != nil {
		t.Fatalf("expected silent success for unknown identifier, got %v", err)
	}
	if env.mailer.count() != 0 {
		t.Fatal("expected no mail for an unknown identifier")
	}
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedUser(t, "u1", "alice", "correct-horse-battery")

	pair := signIn(t, env)

	if err := env.engine.RequestPasswordReset(ctx, "alice", "en"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	msg := env.mailer.last(t)
	if msg.Kind != mail.KindPasswordReset || msg.Address != "alice" || msg.Token == "" {
		t.Fatalf("unexpected reset message: %+v", msg)
	}

	// A policy-violating password must not burn the token.
	if err := env.engine.ResetPassword(ctx, msg.Token, "short"); !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}

	if err := env.engine.ResetPassword(ctx, msg.Token, "after-reset-password"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}

	if _, err := env.engine.SignIn(ctx, "alice", "after-reset-password", ""); err != nil {
		t.Fatalf("SignIn with reset password failed: %v", err)
	}
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected pre-reset session to be revoked, got %v", err)
	}

	// Single use: the consumed token answers generically.
	if err := env.engine.ResetPassword(ctx, msg.Token, "yet-another-password"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for consumed token, got %v", err)
	}
}

func TestPasswordResetSecondRequestSupersedesFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedUser(t, "u1", "alice", "correct-horse-battery")

	if err := env.engine.RequestPasswordReset(ctx, "alice", "en"); err != nil {
		t.Fatalf("first RequestPasswordReset failed: %v", err)
	}
	first := env.mailer.last(t)

	if err := env.engine.RequestPasswordReset(ctx, "alice", "en"); err != nil {
		t.Fatalf("second RequestPasswordReset failed: %v", err)
	}
	second := env.mailer.last(t)

	if err := env.engine.ResetPassword(ctx, first.Token, "after-reset-password"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected superseded token to be rejected, got %v", err)
	}
	if err := env.engine.ResetPassword(ctx, second.Token, "after-reset-password"); err != nil {
		t.Fatalf("ResetPassword with current token failed: %v", err)
	}
}

func TestPasswordResetTokenExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedUser(t, "u1", "alice", "correct-horse-battery")

	if err := env.engine.RequestPasswordReset(ctx, "alice", "en"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	msg := env.mailer.last(t)

	env.clock.Advance(16 * time.Minute)

	if err := env.engine.ResetPassword(ctx, msg.Token, "after-reset-password"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestPasswordResetDeliveryFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedUser(t, "u1", "alice", "correct-horse-battery")

	env.mailer.failWith = mail.ErrDelivery
	if err := env.engine.RequestPasswordReset(ctx, "alice", "en"); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}

	// Delivery recovers; a fresh request works end to end.
	env.mailer.failWith = nil
	if err := env.engine.RequestPasswordReset(ctx, "alice", "en"); err != nil {
		t.Fatalf("RequestPasswordReset after recovery failed: %v", err)
	}
	msg := env.mailer.last(t)
	if err := env.engine.ResetPassword(ctx, msg.Token, "after-reset-password"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
}

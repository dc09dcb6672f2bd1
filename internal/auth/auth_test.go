package auth

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"connectd/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	st, err := store.Open(":memory:", log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc, err := New(log, st, 24*time.Hour, "admin123")
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	return svc
}

func TestLoginDefaultPassword(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	token, err := svc.Login(ctx, "admin123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	ok, err := svc.Verify(ctx, token)
	if err != nil || !ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Login(context.Background(), "wrong"); err == nil {
		t.Fatal("expected error for wrong password")
	}
}

func TestChangePasswordInvalidatesAllTokens(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	t1, _ := svc.Login(ctx, "admin123")
	t2, _ := svc.Login(ctx, "admin123")

	if err := svc.ChangePassword(ctx, "admin123", "newpass"); err != nil {
		t.Fatalf("change password: %v", err)
	}

	for _, tok := range []string{t1, t2} {
		ok, _ := svc.Verify(ctx, tok)
		if ok {
			t.Errorf("token %q should be invalid after password change", tok)
		}
	}

	if _, err := svc.Login(ctx, "newpass"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestSecurityQuestionsSetupOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.SetupSecurityQuestions(ctx, "q1", "a1", "q2", "a2"); err != nil {
		t.Fatalf("first setup: %v", err)
	}

	err := svc.SetupSecurityQuestions(ctx, "q1b", "a1b", "q2b", "a2b")
	if err == nil {
		t.Fatal("expected AlreadySet error on second setup")
	}
}

func TestResetPasswordRequiresRiskAcknowledgement(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.SetupSecurityQuestions(ctx, "q1", "a1", "q2", "a2"); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := svc.ResetPassword(ctx, "a1", "a2", "wrong-ack"); err == nil {
		t.Fatal("expected failure without literal risk acknowledgement")
	}

	if err := svc.ResetPassword(ctx, "a1", "a2", riskAcknowledgement); err != nil {
		t.Fatalf("reset with correct answers: %v", err)
	}

	if _, err := svc.Login(ctx, "admin123"); err != nil {
		t.Fatalf("login with default password after reset: %v", err)
	}
}

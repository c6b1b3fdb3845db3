package app

import (
	"context"
	"testing"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
)

func TestPaymentSweeper_SettlesAgedPayments(t *testing.T) {
	env := newTestEnv(t)
	account := env.activeAccount(t, "owner-a", 0)
	settled := initPayment(t, env, account, "mobile_money", 1000)
	open := initPayment(t, env, account, "mobile_money", 2000)
	env.gateway.setStatus(settled.Reference, "success")

	sweeper := NewPaymentSweeper(env.service, env.repo, 5*time.Minute, 10)

	// Nothing is old enough yet.
	if n, err := sweeper.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("expected no work for fresh payments, got %d / %v", n, err)
	}
	if env.gateway.verifyCount() != 0 {
		t.Fatalf("fresh payments must not be verified")
	}

	sweeper.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	n, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one settled payment, got %d", n)
	}
	if env.balance(t, account) != 1000 {
		t.Fatalf("expected the settled charge credited, got %d", env.balance(t, account))
	}
	payment, _ := env.repo.FindPaymentByReference(context.Background(), open.Reference)
	if payment.Status != domain.PaymentStatusProcessing {
		t.Fatalf("open charge should move to processing, got %s", payment.Status)
	}
}

func TestScheduler_RejectsBadSchedule(t *testing.T) {
	env := newTestEnv(t)
	scheduler := NewScheduler(NewPaymentSweeper(env.service, env.repo, 0, 0), "every now and then")
	if err := scheduler.Start(); err == nil {
		scheduler.Stop()
		t.Fatalf("expected an error for an invalid cron spec")
	}
}

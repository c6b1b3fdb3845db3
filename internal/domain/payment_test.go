package domain

import (
	"errors"
	"testing"
)

func TestDefaultMethodDirections(t *testing.T) {
	table := DefaultMethodDirections()

	tests := []struct {
		method PaymentMethod
		want   LedgerDirection
		kind   TransactionKind
	}{
		{method: MethodMobileMoney, want: DirectionCredit, kind: KindDeposit},
		{method: MethodTransfer, want: DirectionCredit, kind: KindDeposit},
		{method: MethodCard, want: DirectionDebit, kind: KindPayment},
		{method: MethodWallet, want: DirectionDebit, kind: KindPayment},
	}
	for _, tt := range tests {
		t.Run(string(tt.method), func(t *testing.T) {
			got, err := table.Resolve(tt.method)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
			if got.TransactionKind() != tt.kind {
				t.Fatalf("expected kind %s, got %s", tt.kind, got.TransactionKind())
			}
		})
	}

	if _, err := table.Resolve("crypto"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unmapped method, got %v", err)
	}
}

func TestParseMethodDirectionsOverridesDefaults(t *testing.T) {
	table, err := ParseMethodDirections(" card=credit , momo=debit ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if table[MethodCard] != DirectionCredit {
		t.Fatalf("expected card override to credit, got %s", table[MethodCard])
	}
	if table[MethodMobileMoney] != DirectionDebit {
		t.Fatalf("expected momo alias to override mobile_money, got %s", table[MethodMobileMoney])
	}
	if table[MethodWallet] != DirectionDebit {
		t.Fatalf("expected wallet default to survive, got %s", table[MethodWallet])
	}
	if got := table.String(); got != "card=credit,mobile_money=debit,transfer=credit,wallet=debit" {
		t.Fatalf("unexpected table rendering %q", got)
	}
}

func TestParseMethodDirectionsRejectsBadInput(t *testing.T) {
	for _, raw := range []string{"card", "card=sideways", "cheque=credit"} {
		if _, err := ParseMethodDirections(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestCanTransitionAccountStatus(t *testing.T) {
	tests := []struct {
		from, to AccountStatus
		want     bool
	}{
		{from: AccountStatusPending, to: AccountStatusActive, want: true},
		{from: AccountStatusActive, to: AccountStatusFrozen, want: true},
		{from: AccountStatusFrozen, to: AccountStatusActive, want: true},
		{from: AccountStatusActive, to: AccountStatusPending, want: false},
		{from: AccountStatusClosed, to: AccountStatusActive, want: false},
		{from: AccountStatusActive, to: AccountStatusActive, want: true},
	}
	for _, tt := range tests {
		if got := CanTransitionAccountStatus(tt.from, tt.to); got != tt.want {
			t.Fatalf("%s -> %s: expected %t, got %t", tt.from, tt.to, tt.want, got)
		}
	}
}

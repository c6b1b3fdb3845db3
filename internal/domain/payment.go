package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PaymentMethod string

const (
	MethodCard        PaymentMethod = "card"
	MethodWallet      PaymentMethod = "wallet"
	MethodMobileMoney PaymentMethod = "mobile_money"
	MethodTransfer    PaymentMethod = "transfer"
)

// ParsePaymentMethod accepts the wire names plus a few aliases the gateway channels use.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "card":
		return MethodCard, nil
	case "wallet":
		return MethodWallet, nil
	case "mobile_money", "mobile-money", "momo":
		return MethodMobileMoney, nil
	case "transfer", "bank_transfer":
		return MethodTransfer, nil
	default:
		return "", fmt.Errorf("%w: unsupported payment method %q", ErrValidation, raw)
	}
}

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
)

// LedgerDirection says whether a settled payment adds money to the account or takes it out.
type LedgerDirection string

const (
	DirectionCredit LedgerDirection = "credit"
	DirectionDebit  LedgerDirection = "debit"
)

// TransactionKind is the ledger entry kind written when a payment in this direction settles.
func (d LedgerDirection) TransactionKind() TransactionKind {
	if d == DirectionDebit {
		return KindPayment
	}
	return KindDeposit
}

// MethodDirections maps each payment method to its ledger direction. It is resolved
// once at boot and shared by every verify path.
type MethodDirections map[PaymentMethod]LedgerDirection

// DefaultMethodDirections: money-in rails credit, bill-pay rails debit.
func DefaultMethodDirections() MethodDirections {
	return MethodDirections{
		MethodMobileMoney: DirectionCredit,
		MethodTransfer:    DirectionCredit,
		MethodCard:        DirectionDebit,
		MethodWallet:      DirectionDebit,
	}
}

// Resolve returns the direction for method.
func (m MethodDirections) Resolve(method PaymentMethod) (LedgerDirection, error) {
	direction, ok := m[method]
	if !ok {
		return "", fmt.Errorf("%w: no ledger direction configured for method %q", ErrValidation, method)
	}
	return direction, nil
}

// String renders the table in the same "method=direction" form ParseMethodDirections reads.
func (m MethodDirections) String() string {
	parts := make([]string, 0, len(m))
	for method, direction := range m {
		parts = append(parts, string(method)+"="+string(direction))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// ParseMethodDirections overlays "card=debit,mobile_money=credit" style overrides on the defaults.
func ParseMethodDirections(raw string) (MethodDirections, error) {
	table := DefaultMethodDirections()
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		methodRaw, directionRaw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid method direction %q: expected method=direction", pair)
		}
		method, err := ParsePaymentMethod(methodRaw)
		if err != nil {
			return nil, err
		}
		switch direction := LedgerDirection(strings.ToLower(strings.TrimSpace(directionRaw))); direction {
		case DirectionCredit, DirectionDebit:
			table[method] = direction
		default:
			return nil, fmt.Errorf("invalid direction %q for method %s", directionRaw, method)
		}
	}
	return table, nil
}

// PaymentRecipient is the intent metadata captured at initialize time.
type PaymentRecipient struct {
	Name          string `json:"name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Network       string `json:"network,omitempty"`
	Email         string `json:"email,omitempty"`
}

// Payment is a gateway-backed charge. Reference is the idempotency anchor for reconciliation:
// at most one Payment per reference ever reaches completed.
type Payment struct {
	ID                  uuid.UUID        `json:"id"`
	Reference           string           `json:"reference"`
	AccountID           uuid.UUID        `json:"account_id"`
	Method              PaymentMethod    `json:"method"`
	Amount              int64            `json:"amount"`
	Currency            string           `json:"currency"`
	Status              PaymentStatus    `json:"status"`
	Description         string           `json:"description"`
	Recipient           PaymentRecipient `json:"recipient"`
	AuthorizationURL    string           `json:"authorization_url,omitempty"`
	AccessCode          string           `json:"access_code,omitempty"`
	GatewayStatus       string           `json:"gateway_status,omitempty"`
	FailureReason       *string          `json:"failure_reason,omitempty"`
	LinkedTransactionID *uuid.UUID       `json:"linked_transaction_id,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
}

// IsTerminal reports whether no further verify can change the payment.
func (p *Payment) IsTerminal() bool {
	return p.Status == PaymentStatusCompleted || p.Status == PaymentStatusFailed
}

// PaymentAuthorization is what initialize hands back so the client can complete the charge.
type PaymentAuthorization struct {
	Reference        string        `json:"reference"`
	AuthorizationURL string        `json:"authorization_url"`
	AccessCode       string        `json:"access_code,omitempty"`
	Status           PaymentStatus `json:"status"`
	Replayed         bool          `json:"replayed"`
}

// PaymentVerification is the outcome of a verify call.
type PaymentVerification struct {
	Payment       Payment      `json:"payment"`
	Transaction   *Transaction `json:"transaction,omitempty"`
	Balance       *int64       `json:"balance,omitempty"`
	GatewayStatus string       `json:"gateway_status,omitempty"`
	Replayed      bool         `json:"replayed"`
}

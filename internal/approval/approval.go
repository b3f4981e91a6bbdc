// Package approval implements the Approval Token lifecycle: an
// HMAC-signed, TTL-bound record carrying an action id and decision
// capability, stored with the pending action until resolved or expired.
// Generalized from the teacher's CRD-polling approval workflow onto the
// State Store's CAS claim, since the gateway has no Kubernetes control
// loop to lean on for persistence.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marcus-qen/actiongate/internal/gwerrors"
	"github.com/marcus-qen/actiongate/internal/shared/signing"
	"github.com/marcus-qen/actiongate/internal/store"
)

// Phase is the lifecycle state of an approval token.
type Phase string

const (
	PhasePending  Phase = "pending"
	PhaseApproved Phase = "approved"
	PhaseDenied   Phase = "denied"
	PhaseExpired  Phase = "expired"
)

// Token is the persisted approval record.
type Token struct {
	ActionID                 string    `json:"action_id"`
	Message                  string    `json:"message"`
	Phase                    Phase     `json:"phase"`
	Signature                string    `json:"signature"`
	ExpiresAt                time.Time `json:"expires_at"`
	DecidedBy                string    `json:"decided_by,omitempty"`
	Reason                   string    `json:"reason,omitempty"`
	RequireTypedConfirmation bool      `json:"require_typed_confirmation,omitempty"`
	ConfirmationToken        string    `json:"confirmation_token,omitempty"`
}

func key(actionID string) string {
	return store.PrefixApproval + actionID
}

// Manager issues and resolves approval tokens against the State Store.
type Manager struct {
	st     store.Store
	signer *signing.Signer
}

// NewManager creates an approval manager signing tokens with key.
func NewManager(st store.Store, key []byte) *Manager {
	return &Manager{st: st, signer: signing.NewSigner(key)}
}

// Request allocates and persists a new pending approval token for
// actionID with the given message and TTL. If requireTypedConfirmation
// is set (the rule that produced this verdict opted in), a one-time
// confirmation token is generated and must be echoed back to approve.
func (m *Manager) Request(ctx context.Context, actionID, message string, ttl time.Duration, requireTypedConfirmation bool) (*Token, error) {
	tok := &Token{
		ActionID:                 actionID,
		Message:                  message,
		Phase:                    PhasePending,
		ExpiresAt:                time.Now().Add(ttl),
		RequireTypedConfirmation: requireTypedConfirmation,
	}
	if requireTypedConfirmation {
		confirm, err := generateConfirmationToken()
		if err != nil {
			return nil, fmt.Errorf("generate typed confirmation token: %w", err)
		}
		tok.ConfirmationToken = confirm
	}
	sig, err := m.signer.Sign(actionID, tok)
	if err != nil {
		return nil, fmt.Errorf("sign approval token: %w", err)
	}
	tok.Signature = sig

	data, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("marshal approval token: %w", err)
	}
	if err := m.st.CAS(ctx, key(actionID), nil, data, ttl+expiryGracePeriod); err != nil {
		return nil, fmt.Errorf("claim approval token for %s: %w", actionID, err)
	}
	return tok, nil
}

// expiryGracePeriod keeps a logically-expired token readable in storage
// a while longer, so the reaper worker can observe and transition it to
// PhaseExpired before the backend reclaims the key outright.
const expiryGracePeriod = 5 * time.Minute

// Get reads the current token for actionID.
func (m *Manager) Get(ctx context.Context, actionID string) (*Token, error) {
	raw, err := m.st.Get(ctx, key(actionID))
	if err != nil {
		return nil, err
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("unmarshal approval token: %w", err)
	}
	return &tok, nil
}

// Resolve transitions a pending token to approved or denied via CAS, so
// a race between two resolvers (or a resolver and the TTL reaper) has a
// single winner. confirmation is checked when the token requires typed
// confirmation.
func (m *Manager) Resolve(ctx context.Context, actionID string, approve bool, decidedBy, reason, confirmation string) (*Token, error) {
	raw, err := m.st.Get(ctx, key(actionID))
	if err != nil {
		return nil, err
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("unmarshal approval token: %w", err)
	}
	if tok.Phase != PhasePending {
		return &tok, fmt.Errorf("approval %s already resolved as %s", actionID, tok.Phase)
	}
	if time.Now().After(tok.ExpiresAt) {
		return &tok, fmt.Errorf("approval %s expired", actionID)
	}
	if approve && tok.RequireTypedConfirmation {
		if err := validateConfirmation(tok, confirmation, time.Now()); err != nil {
			return &tok, err
		}
	}

	updated := tok
	if approve {
		updated.Phase = PhaseApproved
	} else {
		updated.Phase = PhaseDenied
	}
	updated.DecidedBy = decidedBy
	updated.Reason = reason

	newData, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("marshal resolved approval token: %w", err)
	}
	ttl := time.Until(tok.ExpiresAt) + expiryGracePeriod
	if err := m.st.CAS(ctx, key(actionID), raw, newData, ttl); err != nil {
		return nil, fmt.Errorf("resolve approval %s: %w", actionID, err)
	}
	return &updated, nil
}

// Expire claims a pending, past-deadline token as expired. Returns
// gwerrors.ErrConflict if another worker already claimed it — resumption
// is idempotent via this CAS.
func (m *Manager) Expire(ctx context.Context, actionID string) (*Token, error) {
	raw, err := m.st.Get(ctx, key(actionID))
	if err != nil {
		return nil, err
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("unmarshal approval token: %w", err)
	}
	if tok.Phase != PhasePending || !time.Now().After(tok.ExpiresAt) {
		return &tok, fmt.Errorf("approval %s not eligible for expiry: %w", actionID, gwerrors.ErrConflict)
	}
	updated := tok
	updated.Phase = PhaseExpired
	newData, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("marshal expired approval token: %w", err)
	}
	if err := m.st.CAS(ctx, key(actionID), raw, newData, expiryGracePeriod); err != nil {
		return nil, err
	}
	return &updated, nil
}

// ListPendingPastDeadline returns every pending token whose ExpiresAt is
// before now, for the retention reaper to expire.
func (m *Manager) ListPendingPastDeadline(ctx context.Context, now time.Time) ([]Token, error) {
	var out []Token
	cursor := ""
	for {
		keys, next, err := m.st.List(ctx, store.PrefixApproval, 500, cursor)
		if err != nil {
			return nil, fmt.Errorf("list approval tokens: %w", err)
		}
		for _, k := range keys {
			if strings.HasPrefix(strings.TrimPrefix(k, store.PrefixApproval), "parked/") {
				continue
			}
			raw, err := m.st.Get(ctx, k)
			if err != nil {
				continue
			}
			var tok Token
			if err := json.Unmarshal(raw, &tok); err != nil {
				continue
			}
			if tok.Phase == PhasePending && now.After(tok.ExpiresAt) {
				out = append(out, tok)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return out, nil
}

func generateConfirmationToken() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "CONFIRM-" + strings.ToUpper(hex.EncodeToString(buf)), nil
}

func validateConfirmation(tok Token, provided string, now time.Time) error {
	provided = strings.TrimSpace(provided)
	if provided == "" {
		return fmt.Errorf("typed confirmation required")
	}
	if provided != tok.ConfirmationToken {
		return fmt.Errorf("typed confirmation mismatch")
	}
	if now.After(tok.ExpiresAt) {
		return fmt.Errorf("typed confirmation expired")
	}
	return nil
}

package ledger

import (
	"fmt"
	"strings"

	"github.com/atmx/paper-ledger/internal/model"
)

// ScopeMode decides how ledger accounts are grouped. It is fixed per
// deployment.
type ScopeMode string

const (
	// ScopeConversation keeps a separate ledger per conversation.
	ScopeConversation ScopeMode = "conversation"

	// ScopeGlobal shares one ledger per holder across every conversation.
	// Accounts are stored under the empty scope.
	ScopeGlobal ScopeMode = "global"
)

// ParseScopeMode parses a configured mode. The empty string selects
// ScopeConversation.
func ParseScopeMode(s string) (ScopeMode, error) {
	switch ScopeMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeConversation:
		return ScopeConversation, nil
	case ScopeGlobal:
		return ScopeGlobal, nil
	default:
		return "", fmt.Errorf("ledger: unknown scope mode %q", s)
	}
}

// Scope maps a conversation scope to the ledger scope.
func (m ScopeMode) Scope(scope string) string {
	if m == ScopeGlobal {
		return ""
	}
	return scope
}

// Key builds the ledger account key for holder in scope.
func (m ScopeMode) Key(scope, holder string) model.AccountKey {
	return model.AccountKey{Scope: m.Scope(scope), Holder: holder}
}

package ledger

import "strings"

// Gate checks that a send may proceed. ai is nil when the conversation's
// persona does not exist. Checks run in a fixed order and the first failure
// wins.
func Gate(c Conversation, ai *AiProfile) error {
	if c.Location == nil && strings.TrimSpace(c.CountryCode) == "" {
		return ErrLocationRequired
	}
	if ai == nil {
		return ErrAiNotFound
	}
	if ai.Status != AiActive {
		return ErrAiNotActive
	}
	if !ai.HasAvatar {
		return ErrAiAvatarPending
	}
	return nil
}

package adapter

import (
	"errors"
	"fmt"

	tele "gopkg.in/telebot.v4"

	kit "dexwatch/internal/transport"
)

// recipientErrors are API answers that reject the chat itself.
var recipientErrors = []error{
	tele.ErrBlockedByUser,
	tele.ErrChatNotFound,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrKickedFromChannel,
	tele.ErrNotStartedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrNoRightsToSend,
	tele.ErrGroupMigrated,
}

// classifySendErr marks recipient failures with kit.ErrRecipientUnavailable
// and keeps the telebot error in the chain.
func classifySendErr(err error) error {
	if err == nil {
		return nil
	}
	var migrated tele.GroupError
	if errors.As(err, &migrated) {
		return fmt.Errorf("%w: %w", kit.ErrRecipientUnavailable, err)
	}
	for _, target := range recipientErrors {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %w", kit.ErrRecipientUnavailable, err)
		}
	}
	return err
}

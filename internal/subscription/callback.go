package subscription

import (
	"fmt"
	"strings"
)

type ActionKind string

const (
	ActionApprove ActionKind = "approve"
	ActionReject  ActionKind = "reject"
)

// Action is a decoded admin button press.
type Action struct {
	Kind      ActionKind
	RequestID string
	Reason    RejectReason
}

// ParseCallbackData decodes "approve:<id>" and "reject:<reason>:<id>".
func ParseCallbackData(data string) (Action, error) {
	parts := strings.Split(data, ":")
	switch ActionKind(parts[0]) {
	case ActionApprove:
		if len(parts) == 2 && parts[1] != "" {
			return Action{Kind: ActionApprove, RequestID: parts[1]}, nil
		}
	case ActionReject:
		if len(parts) == 3 && parts[2] != "" {
			reason, ok := ParseRejectReason(parts[1])
			if !ok {
				return Action{}, fmt.Errorf("%w: unknown reject reason %q", ErrInvalidInput, parts[1])
			}
			return Action{Kind: ActionReject, RequestID: parts[2], Reason: reason}, nil
		}
	}
	return Action{}, fmt.Errorf("%w: callback data %q", ErrInvalidInput, data)
}

func approveData(requestID string) string {
	return string(ActionApprove) + ":" + requestID
}

func rejectData(reason RejectReason, requestID string) string {
	return string(ActionReject) + ":" + string(reason) + ":" + requestID
}

// Button is one inline control under a bot message.
type Button struct {
	Text string
	Data string
}

// Keyboard is a list of button rows.
type Keyboard [][]Button

// AdminCallback is an admin button press as delivered by the bot.
type AdminCallback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
	Caption   string
}

package notify

import (
	"fmt"
	"strconv"

	"chat-gateway/internal/models"
)

const previewLength = 100

// NewMessage builds the notification a chat member receives for msg.
func NewMessage(recipientID int64, sender models.Identity, msg models.MessageView) Request {
	return Request{
		RecipientID: recipientID,
		Sender:      &sender,
		Kind:        models.KindMessage,
		Title:       fmt.Sprintf("New message from %s", sender.Username),
		Body:        truncate(msg.Content, previewLength),
		Payload: models.Payload{
			"chat_id":    strconv.FormatInt(msg.ChatID, 10),
			"message_id": msg.ID,
		},
	}
}

// NewFriendRequest builds the notification for a received friend request.
func NewFriendRequest(recipientID int64, sender models.Identity, requestID string) Request {
	return Request{
		RecipientID: recipientID,
		Sender:      &sender,
		Kind:        models.KindFriendRequest,
		Title:       fmt.Sprintf("%s sent you a friend request", sender.Username),
		Body:        fmt.Sprintf("%s wants to be your friend", displayName(sender)),
		Payload:     models.Payload{"friend_request_id": requestID},
	}
}

// NewFriendAccepted builds the notification for an accepted friend request.
func NewFriendAccepted(recipientID int64, accepter models.Identity) Request {
	return Request{
		RecipientID: recipientID,
		Sender:      &accepter,
		Kind:        models.KindFriendAccepted,
		Title:       fmt.Sprintf("%s accepted your friend request", accepter.Username),
		Body:        fmt.Sprintf("You and %s are now friends!", displayName(accepter)),
		Payload:     models.Payload{"user_id": accepter.UserID},
	}
}

// NewChatInvite builds the notification for being added to a chat.
func NewChatInvite(recipientID int64, inviter models.Identity, chatID int64, chatName string) Request {
	title := fmt.Sprintf("%s added you to a chat", inviter.Username)
	if chatName != "" {
		title = fmt.Sprintf("%s added you to %s", inviter.Username, chatName)
	}
	return Request{
		RecipientID: recipientID,
		Sender:      &inviter,
		Kind:        models.KindChatInvite,
		Title:       title,
		Body:        title,
		Payload:     models.Payload{"chat_id": strconv.FormatInt(chatID, 10)},
	}
}

func displayName(identity models.Identity) string {
	if identity.FirstName != "" {
		return identity.FirstName
	}
	return identity.Username
}

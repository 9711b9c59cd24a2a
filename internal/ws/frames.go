package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"chat-gateway/internal/errs"
)

// FrameKind is the type of an inbound frame.
type FrameKind string

const (
	FrameMessage     FrameKind = "message"
	FrameTyping      FrameKind = "typing"
	FrameMessageRead FrameKind = "message_read"
	FrameMarkRead    FrameKind = "mark_read"
	FrameSubscribe   FrameKind = "subscribe"
	FrameUnsubscribe FrameKind = "unsubscribe"
)

// flexibleID accepts an id sent either as a JSON number or a numeric string.
type flexibleID int64

func (id *flexibleID) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*id = 0
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return errors.New("must be an integer")
	}
	*id = flexibleID(v)
	return nil
}

// inboundFrame is the union of every inbound field. Which fields are required
// depends on Type and is checked by the frame handlers.
type inboundFrame struct {
	Type           FrameKind  `json:"type"`
	ChatID         flexibleID `json:"chat_id" validate:"gte=0"`
	Content        string     `json:"content"`
	ReplyTo        *string    `json:"reply_to" validate:"omitempty,uuid"`
	IsTyping       bool       `json:"is_typing"`
	MessageID      string     `json:"message_id" validate:"omitempty,uuid"`
	NotificationID string     `json:"notification_id" validate:"omitempty,uuid"`
}

var frameValidator = validator.New(validator.WithRequiredStructEnabled())

// parseFrame decodes one inbound frame. A frame without a type is a message.
func parseFrame(raw []byte) (inboundFrame, error) {
	var f inboundFrame
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&f); err != nil {
		return inboundFrame{}, &errs.ProtocolError{Reason: "invalid JSON", Err: err}
	}
	if f.Type == "" {
		f.Type = FrameMessage
	}
	if f.ReplyTo != nil && *f.ReplyTo == "" {
		f.ReplyTo = nil
	}
	if err := frameValidator.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return inboundFrame{}, errs.Validation(jsonField(verrs[0].Field()), "invalid value")
		}
		return inboundFrame{}, errs.Validation("", err.Error())
	}
	return f, nil
}

func jsonField(field string) string {
	switch field {
	case "ChatID":
		return "chat_id"
	case "ReplyTo":
		return "reply_to"
	case "MessageID":
		return "message_id"
	case "NotificationID":
		return "notification_id"
	default:
		return strings.ToLower(field)
	}
}

// stampSeq inserts "seq":n as the first member of a JSON object payload.
func stampSeq(payload []byte, seq uint64) []byte {
	if len(payload) < 2 || payload[0] != '{' {
		return payload
	}
	prefix := `{"seq":` + strconv.FormatUint(seq, 10)
	body := bytes.TrimSpace(payload[1:])
	out := make([]byte, 0, len(prefix)+len(payload)+1)
	out = append(out, prefix...)
	if len(body) > 0 && body[0] != '}' {
		out = append(out, ',')
	}
	return append(out, body...)
}

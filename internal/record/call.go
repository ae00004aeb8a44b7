package record

import (
	"encoding/json"

	"github.com/sashabaranov/go-openai"
)

// CallFromRequest captures the caller-visible context of req. Tags and
// properties are copied so later mutation by the caller does not leak into
// the record.
func CallFromRequest(req openai.ChatCompletionRequest, tags []string, properties map[string]any) Call {
	call := Call{
		Model: req.Model,
		Tags:  append([]string{}, tags...),
	}
	if properties != nil {
		call.Properties = make(map[string]any, len(properties))
		for k, v := range properties {
			call.Properties[k] = v
		}
	}
	if req.Messages != nil {
		call.Messages = make(Messages, len(req.Messages))
		for i, m := range req.Messages {
			call.Messages[i] = Message{Role: m.Role, Content: messageContent(m)}
		}
	}
	return call
}

// messageContent flattens multi-part content into its JSON text. Parts are not
// validated.
func messageContent(m openai.ChatCompletionMessage) string {
	if len(m.MultiContent) == 0 {
		return m.Content
	}
	b, err := json.Marshal(m.MultiContent)
	if err != nil {
		return m.Content
	}
	return string(b)
}

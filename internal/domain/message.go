package domain

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of prior conversation supplied with a request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

package llm

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

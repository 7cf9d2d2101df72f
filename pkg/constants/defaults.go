package constants

// Default values used by client packages
const (
	DefaultHTTPTimeoutSec = 15
	MaxResponseBodyBytes  = 1 << 20
	DefaultChannelsLimit  = 200
)

// Slack Web API method names
const (
	MethodChatPostMessage   = "chat.postMessage"
	MethodOAuthV2Access     = "oauth.v2.access"
	MethodConversationsList = "conversations.list"
)

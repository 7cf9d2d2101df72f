package types

// PostMessageRequest is the chat.postMessage payload
type PostMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// Response is the envelope every Web API method returns. Failures arrive with HTTP 200,
// OK=false and an error code.
type Response struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// PostMessageResponse is returned by chat.postMessage
type PostMessageResponse struct {
	Response
	Channel string `json:"channel,omitempty"`
	TS      string `json:"ts,omitempty"`
}

// Team identifies the workspace an OAuth grant belongs to
type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AuthedUser is the user who approved the installation
type AuthedUser struct {
	ID string `json:"id"`
}

// OAuthResponse is returned by oauth.v2.access for both code exchange and token refresh
type OAuthResponse struct {
	Response
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresIn    int        `json:"expires_in,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	BotUserID    string     `json:"bot_user_id,omitempty"`
	Team         Team       `json:"team"`
	AuthedUser   AuthedUser `json:"authed_user"`
}

// Channel is a conversation as listed by conversations.list
type Channel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsPrivate  bool   `json:"is_private"`
	IsArchived bool   `json:"is_archived"`
	IsMember   bool   `json:"is_member"`
}

// ResponseMetadata carries the pagination cursor
type ResponseMetadata struct {
	NextCursor string `json:"next_cursor,omitempty"`
}

// ConversationsListResponse is returned by conversations.list
type ConversationsListResponse struct {
	Response
	Channels         []Channel        `json:"channels"`
	ResponseMetadata ResponseMetadata `json:"response_metadata"`
}

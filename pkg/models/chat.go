package models

import "time"

// ChatIdentity is a provisioned account on the external chat backend,
// including the credentials the backend issued for acting as that user.
type ChatIdentity struct {
	Tenant         Tenant    `json:"tenant"`
	UserKey        UserKey   `json:"user_key"`
	ExternalUserID string    `json:"external_user_id"`
	Username       string    `json:"username"`
	AccessToken    string    `json:"-"`
	DisplayName    string    `json:"display_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Message is a single chat message fetched from the external backend.
type Message struct {
	ID            string    `json:"id"`
	Sender        string    `json:"sender"`
	Body          string    `json:"body"`
	FormattedBody string    `json:"formatted_body,omitempty"`
	SentAt        time.Time `json:"sent_at"`
}

// MessagePage is one page of room history.
type MessagePage struct {
	Messages       []Message `json:"messages"`
	NextPageToken  string    `json:"next_page_token,omitempty"`
	ExternalRoomID string    `json:"external_room_id,omitempty"`
}

// SendMessageRequest is the payload for the direct message-send action.
type SendMessageRequest struct {
	User          UserKey `json:"user"`
	Content       string  `json:"content"`
	FormattedBody string  `json:"formatted_body,omitempty"`
}

// EnsureMemberRequest is the payload for the explicit "add me to this
// room" user action.
type EnsureMemberRequest struct {
	User UserKey `json:"user"`
}

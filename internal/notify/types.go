package notify

import (
	"encoding/json"
	"time"
)

const (
	TypeMessage      = "message"
	TypeAppointment  = "appointment"
	TypeSystem       = "system"
	TypeConversation = "conversation"
)

type Sender struct {
	ID           string `json:"id"`
	FirstName    string `json:"firstName,omitempty"`
	LastName     string `json:"lastName,omitempty"`
	ProfileImage string `json:"profileImage,omitempty"`
}

type Notification struct {
	ID           string         `json:"id"`
	RecipientID  string         `json:"recipientId"`
	Sender       *Sender        `json:"sender,omitempty"`
	Type         string         `json:"type"`
	Title        string         `json:"title"`
	Content      string         `json:"content"`
	IsRead       bool           `json:"isRead"`
	RelatedID    string         `json:"relatedId,omitempty"`
	RelatedModel string         `json:"relatedModel,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`

	// Computed locally from the role rules; not sent by the server.
	VisibleTo []string `json:"visibleTo,omitempty"`
}

// UnmarshalJSON also accepts the document-store "_id" key.
func (n *Notification) UnmarshalJSON(b []byte) error {
	type alias Notification
	var a struct {
		alias
		DocID string `json:"_id"`
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*n = Notification(a.alias)
	if n.ID == "" {
		n.ID = a.DocID
	}
	return nil
}

type Pagination struct {
	Limit   int  `json:"limit"`
	Skip    int  `json:"skip"`
	HasMore bool `json:"hasMore"`
}

// Page is one server response to a list request.
type Page struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   *int           `json:"unreadCount,omitempty"`
	Pagination    *Pagination    `json:"pagination,omitempty"`
}

// DeleteResult reports a bulk delete.
type DeleteResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// View is the role-filtered state exposed to the UI.
type View struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unreadCount"`
	Pagination    Pagination     `json:"pagination"`
	PanelOpen     bool           `json:"panelOpen"`
	Loading       bool           `json:"loading"`
	Source        string         `json:"source,omitempty"` // rest | socket | cache
}

// Event is sent to subscribers after every change.
type Event struct {
	Type   string `json:"type"` // reset | page | new | update | read | read_all | deleted | count
	ID     string `json:"id,omitempty"`
	Unread int    `json:"unread"`
	Total  int    `json:"total"`
}

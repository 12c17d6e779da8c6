package delivery

// Action discriminates real-time events on the wire.
type Action string

const (
	ActionMessage       Action = "message"
	ActionDeleteMessage Action = "deleteMessage"
	ActionAttendance    Action = "attendance"
	ActionBlockedIP     Action = "blockedIp"
	ActionSocketID      Action = "socketId"
)

// Event is the wire payload fanned out to every viewer of a conversation.
type Event struct {
	ChurchID       string `json:"churchId"`
	ConversationID string `json:"conversationId"`
	Action         Action `json:"action"`
	Data           any    `json:"data,omitempty"`
}

// Viewer is the presence projection of a connection.
type Viewer struct {
	ConnectionID string `json:"connectionId"`
	PersonID     string `json:"personId,omitempty"`
}

// AttendancePayload is the data of an "attendance" event.
type AttendancePayload struct {
	ConversationID string   `json:"conversationId"`
	Viewers        []Viewer `json:"viewers"`
	TotalViewers   int      `json:"totalViewers"`
}

// SocketIDPayload announces a freshly assigned socket handle to its client.
type SocketIDPayload struct {
	SocketID string `json:"socketId"`
}

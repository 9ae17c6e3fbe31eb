package chat

import "time"

// Session captures the conversational context of one logical client
// connection. Turns are append-only and alternate user/assistant.
type Session struct {
	ID           string    `json:"id"`
	Turns        []Turn    `json:"turns"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

package conversation

import "strings"

// DefaultRoom is the chat room used when the caller does not name one.
const DefaultRoom = "default"

// Key identifies one conversation as (user, chat room).
type Key struct {
	UserID     string
	ChatRoomID string
}

// NormalizeKey resolves the legacy dual field names into one canonical
// key. Older clients send chat_id, newer ones chat_room_id; chat_id wins
// when both are present, and an unnamed room maps to DefaultRoom.
func NormalizeKey(userID, chatID, chatRoomID string) Key {
	room := strings.TrimSpace(chatID)
	if room == "" {
		room = strings.TrimSpace(chatRoomID)
	}
	if room == "" {
		room = DefaultRoom
	}
	return Key{UserID: strings.TrimSpace(userID), ChatRoomID: room}
}

func (k Key) String() string {
	return k.UserID + ":" + k.ChatRoomID
}

func (k Key) storageKey() string {
	return "turns/" + k.UserID + "/" + k.ChatRoomID
}

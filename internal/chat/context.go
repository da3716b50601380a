package chat

import (
	"fmt"
	"strings"

	"github.com/zibochat/engine/internal/catalog"
	"github.com/zibochat/engine/internal/conversation"
	"github.com/zibochat/engine/internal/genai"
	"github.com/zibochat/engine/internal/memory"
	"github.com/zibochat/engine/internal/profile"
)

// Context is the bounded payload handed to the generation call for one
// chat turn: a history window, the durable memory summary, the profile,
// and the top-k retrieved products. Its serialized size is predictable
// regardless of conversation length.
type Context struct {
	UserID     string              `json:"user_id"`
	ChatRoomID string              `json:"chat_room_id"`
	History    []conversation.Turn `json:"history"`
	Memory     memory.Summary      `json:"memory"`
	Profile    profile.Profile     `json:"profile"`
	Retrieved  []catalog.Match     `json:"retrieved"`
}

// BuildMessages renders the context into a system prompt plus chat
// messages for the downstream model.
func BuildMessages(asm Context) (string, []genai.Message) {
	var sys strings.Builder
	sys.WriteString("تو مشاور پوست و زیبایی هستی و بر اساس اطلاعات زیر محصول پیشنهاد می‌دهی.\n")

	if asm.Profile.SkinType != "" {
		fmt.Fprintf(&sys, "نوع پوست کاربر: %s\n", asm.Profile.SkinType)
	}
	if asm.Profile.Age > 0 {
		fmt.Fprintf(&sys, "سن: %d\n", asm.Profile.Age)
	}
	if len(asm.Profile.Concerns) > 0 {
		fmt.Fprintf(&sys, "دغدغه‌ها: %s\n", strings.Join(asm.Profile.Concerns, "، "))
	}

	if len(asm.Memory.Facts) > 0 {
		sys.WriteString("حافظه بلندمدت:\n")
		for k, v := range asm.Memory.Facts {
			fmt.Fprintf(&sys, "- %s: %s\n", k, v)
		}
	}

	if len(asm.Retrieved) > 0 {
		sys.WriteString("محصولات مرتبط:\n")
		for _, m := range asm.Retrieved {
			fmt.Fprintf(&sys, "- %s (id=%s)\n", m.Product.Name, m.Product.ID)
		}
	}

	msgs := make([]genai.Message, 0, len(asm.History))
	for _, turn := range asm.History {
		msgs = append(msgs, genai.Message{Role: turn.Role, Content: turn.Text})
	}
	return sys.String(), msgs
}

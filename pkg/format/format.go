package format

import (
	"fmt"
	"html"
	"strings"
)

// Helpers for composing Telegram-compatible HTML report text.

// Code wraps a value in a monospace span, escaping it first.
func Code(v interface{}) string {
	return fmt.Sprintf("<code>%s</code>", Escape(fmt.Sprint(v)))
}

// Link renders an inline link.
func Link(text, url string) string {
	return fmt.Sprintf(`<a href="%s">%s</a>`, url, Escape(text))
}

// MentionID renders a clickable mention for a user id.
func MentionID(uid int64) string {
	return Link(fmt.Sprint(uid), fmt.Sprintf("tg://user?id=%d", uid))
}

// MessageLink builds the public link to a supergroup message.
func MessageLink(chatID, messageID int64) string {
	// Supergroup ids carry a -100 prefix that the t.me/c form drops.
	cid := strings.TrimPrefix(fmt.Sprint(chatID), "-100")
	return fmt.Sprintf("https://t.me/c/%s/%d", cid, messageID)
}

// Escape makes arbitrary text safe inside Telegram HTML.
func Escape(s string) string {
	return html.EscapeString(s)
}

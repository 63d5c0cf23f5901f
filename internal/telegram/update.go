// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package telegram

// Update is an incoming webhook delivery. Only the fields the engine
// routes on are decoded; the raw payload is kept alongside for scripts
// that want the rest.
type Update struct {
	ID            int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	EditedMessage *Message       `json:"edited_message,omitempty"`
	ChannelPost   *Message       `json:"channel_post,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Msg returns the message this update carries, regardless of kind, or
// nil if it carries none.
func (u *Update) Msg() *Message {
	switch {
	case u.Message != nil:
		return u.Message
	case u.EditedMessage != nil:
		return u.EditedMessage
	case u.ChannelPost != nil:
		return u.ChannelPost
	case u.CallbackQuery != nil:
		return u.CallbackQuery.Message
	}
	return nil
}

// Message is a Telegram message.
type Message struct {
	ID       int64  `json:"message_id"`
	From     *User  `json:"from,omitempty"`
	Chat     Chat   `json:"chat"`
	Date     int64  `json:"date,omitempty"`
	Text     string `json:"text,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Photo    []any  `json:"photo,omitempty"`
	Document any    `json:"document,omitempty"`
	Voice    any    `json:"voice,omitempty"`
	Video    any    `json:"video,omitempty"`
	Audio    any    `json:"audio,omitempty"`
	Sticker  any    `json:"sticker,omitempty"`
	Location any    `json:"location,omitempty"`
	Contact  any    `json:"contact,omitempty"`
}

// Content returns the routable text of the message: the text for text
// messages, the caption for media messages.
func (m *Message) Content() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// User is a Telegram user or bot.
type User struct {
	ID           int64  `json:"id"`
	IsBot        bool   `json:"is_bot,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// Chat is a Telegram chat.
type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

// CallbackQuery is a button press on an inline keyboard.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *User    `json:"from,omitempty"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package sandbox

import (
	"encoding/json"
	"fmt"
	"sort"

	"go.astrophena.name/botcraft/internal/starconv"

	"go.starlark.net/starlark"
)

// botValue is the chat API as seen by a script: a closed table of
// methods, each a builtin that fills in chat_id from the current chat
// when the script omits it. It also carries the bot-wide data methods,
// since scripts address those through the same receiver.
type botValue struct {
	caps *Capabilities
}

var _ starlark.HasAttrs = (*botValue)(nil)

func (b *botValue) String() string        { return "<bot>" }
func (b *botValue) Type() string          { return "bot" }
func (b *botValue) Freeze()               {}
func (b *botValue) Truth() starlark.Bool  { return starlark.True }
func (b *botValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: bot") }

func (b *botValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "send", "reply":
		return starlark.NewBuiltin("bot."+name, b.send), nil
	case "call":
		return starlark.NewBuiltin("bot.call", b.rawCall), nil
	}
	if dataMethods[name] {
		return (&dataValue{name: "Bot", store: b.caps.BotData}).Attr(name)
	}
	if apiMethods[name] {
		return starlark.NewBuiltin("bot."+name, b.method(name)), nil
	}
	return nil, nil
}

func (b *botValue) AttrNames() []string {
	names := []string{"send", "reply", "call"}
	for name := range dataMethods {
		names = append(names, name)
	}
	for name := range apiMethods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// send and reply Starlark functions.
func (b *botValue) send(thread *starlark.Thread, built *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackArgs(built.Name(), args, kwargs, "text", &text); err != nil {
		return nil, err
	}
	return b.invoke(thread, "sendMessage", map[string]any{
		"chat_id": b.caps.Invocation.ChatID,
		"text":    text,
	})
}

// bot.call Starlark function: the raw escape hatch, no argument
// rewriting of any kind.
func (b *botValue) rawCall(thread *starlark.Thread, built *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		return nil, fmt.Errorf("%s: unexpected positional arguments", built.Name())
	}
	var (
		method   string
		argsDict *starlark.Dict
	)
	if err := starlark.UnpackArgs(built.Name(), args, kwargs, "method", &method, "args?", &argsDict); err != nil {
		return nil, err
	}

	callArgs := make(map[string]any)
	if argsDict != nil {
		conv, err := starconv.From(argsDict)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", built.Name(), err)
		}
		callArgs = conv.(map[string]any)
	}
	return b.invoke(thread, method, callArgs)
}

func (b *botValue) method(name string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, built *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		callArgs := make(map[string]any)

		for _, kv := range kwargs {
			key, _ := starlark.AsString(kv[0])
			val, err := starconv.From(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %v", built.Name(), err)
			}
			callArgs[key] = val
		}

		positional := args

		// A single dict argument carries the whole payload.
		if len(positional) == 1 {
			if d, ok := positional[0].(*starlark.Dict); ok {
				conv, err := starconv.From(d)
				if err != nil {
					return nil, fmt.Errorf("%s: %v", built.Name(), err)
				}
				for k, v := range conv.(map[string]any) {
					callArgs[k] = v
				}
				positional = nil
			}
		}

		// A leading value that looks like a chat reference addresses the
		// call; anything else means the script wants the current chat.
		if !noChatID[name] && len(positional) > 0 && callArgs["chat_id"] == nil && PlausibleChatID(positional[0]) {
			v, err := starconv.From(positional[0])
			if err != nil {
				return nil, fmt.Errorf("%s: %v", built.Name(), err)
			}
			callArgs["chat_id"] = v
			positional = positional[1:]
		}

		params := methodParams[name]
		if len(positional) > len(params) {
			return nil, fmt.Errorf("%s: too many positional arguments", built.Name())
		}
		for i, arg := range positional {
			v, err := starconv.From(arg)
			if err != nil {
				return nil, fmt.Errorf("%s: %v", built.Name(), err)
			}
			callArgs[params[i]] = v
		}

		if !noChatID[name] && callArgs["chat_id"] == nil {
			callArgs["chat_id"] = b.caps.Invocation.ChatID
		}

		return b.invoke(thread, name, callArgs)
	}
}

func (b *botValue) invoke(thread *starlark.Thread, method string, args map[string]any) (starlark.Value, error) {
	raw, err := b.caps.Transport.Call(Context(thread), method, args)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return starlark.None, nil
	}
	var res any
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return starconv.To(res)
}

// apiMethods is the closed table of chat API methods scripts may call
// by name. Everything else goes through bot.call.
var apiMethods = set(
	"sendMessage", "sendPhoto", "sendDocument", "sendVideo", "sendAudio",
	"sendVoice", "sendLocation", "sendContact", "sendSticker", "sendVenue",
	"sendPoll", "sendDice", "sendChatAction", "sendMediaGroup", "sendInvoice",
	"forwardMessage", "copyMessage", "editMessageText", "editMessageCaption",
	"editMessageMedia", "editMessageReplyMarkup", "deleteMessage",
	"deleteMessages", "getChat", "getChatAdministrators", "getChatMemberCount",
	"getChatMember", "banChatMember", "unbanChatMember", "restrictChatMember",
	"promoteChatMember", "setChatPermissions", "exportChatInviteLink",
	"createChatInviteLink", "editChatInviteLink", "revokeChatInviteLink",
	"setChatPhoto", "deleteChatPhoto", "setChatTitle", "setChatDescription",
	"pinChatMessage", "unpinChatMessage", "unpinAllChatMessages", "leaveChat",
	"getFile", "getMe", "getUserProfilePhotos", "answerCallbackQuery",
	"answerInlineQuery", "setMyCommands", "getMyCommands", "deleteMyCommands",
)

// noChatID lists methods that never take a chat_id.
var noChatID = set(
	"getMe", "getFile", "getUserProfilePhotos",
	"answerCallbackQuery", "answerInlineQuery",
	"setMyCommands", "getMyCommands", "deleteMyCommands",
)

// methodParams maps a method to the fields its positional arguments
// fill, after any leading chat reference.
var methodParams = map[string][]string{
	"sendMessage":          {"text"},
	"sendPhoto":            {"photo", "caption"},
	"sendDocument":         {"document", "caption"},
	"sendVideo":            {"video", "caption"},
	"sendAudio":            {"audio", "caption"},
	"sendVoice":            {"voice", "caption"},
	"sendSticker":          {"sticker"},
	"sendLocation":         {"latitude", "longitude"},
	"sendContact":          {"phone_number", "first_name"},
	"sendChatAction":       {"action"},
	"sendDice":             {"emoji"},
	"forwardMessage":       {"from_chat_id", "message_id"},
	"copyMessage":          {"from_chat_id", "message_id"},
	"editMessageText":      {"message_id", "text"},
	"editMessageCaption":   {"message_id", "caption"},
	"deleteMessage":        {"message_id"},
	"pinChatMessage":       {"message_id"},
	"unpinChatMessage":     {"message_id"},
	"getChatMember":        {"user_id"},
	"banChatMember":        {"user_id"},
	"unbanChatMember":      {"user_id"},
	"setChatTitle":         {"title"},
	"setChatDescription":   {"description"},
	"getFile":              {"file_id"},
	"answerCallbackQuery":  {"callback_query_id", "text"},
	"getUserProfilePhotos": {"user_id"},
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Botcraft hosts a fleet of Telegram bots whose commands are user-written
Starlark scripts.

Bots and their commands live in a SQLite database and are managed over a
small HTTP API. Telegram updates arrive via webhook; Botcraft matches
the message text against the bot's command patterns, rewrites the
matched script so that calls which may suspend (waiting, asking the user
a question, running Python) go through a cancellation gateway, and
executes it in a Starlark sandbox. The sandbox is a capability boundary,
not a security one: a script can only act through the chat transport,
the answer prompt, the Python bridge and its data stores, but it is
trusted not to be malicious.

Webhook deliveries are always acknowledged with 200 before the script
runs, so Telegram never retries an update the engine already owns.

# Usage

	$ botcraft [flags...]

Configuration is read from a YAML file (-config), with BOTCRAFT_*
environment variables taking precedence. A .env file in the working
directory is honored.

# Script Environment

The full reference is served at /api/environment. Highlights:

	bot (aliases Bot, api, Api, API): the chat API.
		- send(text) / reply(text): sends text to the current chat.
		- sendMessage, sendPhoto, and the rest of the Bot API surface:
		  chat_id is filled in from the current chat when omitted, and a
		  leading argument that looks like a chat reference (a large
		  integer, a numeric string, or an @username) addresses the call.
		- call(method, args): the raw escape hatch, no argument rewriting.

	User: persistent data of the current user.
		- getData(key, default), saveData(key, value), deleteData(key),
		  increment(key, by), getAllData(), clearAll()

	BotData: same methods, shared by all users of the bot.

	ask(question) (alias waitForAnswer): sends the question and blocks
	until the user's next message, which is returned as a string. Only
	one question can be pending per user; a newer one displaces the
	older.

	runPython(code, input) (alias executePython): runs a Python snippet
	in a subprocess and returns a struct with success, result, error,
	type and traceback fields.

	wait(seconds) (aliases sleep, delay): pauses the script.

	message, user, args, answer: the incoming update, pre-picked.

	json, time, struct, module, fail, debug: the usual utility kit.
*/
package main

// Copyright 2024-2026 The Bender Authors

// Package bender implements the chat-ops agent itself: a periodic /sync
// loop over the Matrix client-server API, a command parser for messages
// directed at the bot, membership-management actions resolved against the
// LDAP directory, and per-user private reply channels.
//
// The package is organized around the Bot type. Transport access goes
// through a narrow api interface so tests drive the whole pipeline with a
// fake homeserver. One sync cycle fans out into independent goroutines per
// room and per plugin; events within one room stay strictly ordered.
package bender

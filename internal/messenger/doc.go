// Package messenger owns the connection to the chat platform.
//
// A Driver talks to one platform (Telegram, Slack, or the console dry run) and
// reports its lifecycle through Lifecycle. Session wraps a driver: it keeps the
// current Status, republishes lifecycle changes on the event bus, reconnects
// under the supervisor, paces sends and rejects sends while not ready.
package messenger

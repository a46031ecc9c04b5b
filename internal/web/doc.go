// Package web serves the dashboard: a websocket channel carrying
// {event, data} frames, a small JSON API and the static page.
//
// Outbound events: config, qr, ready, disconnected, log.
// Inbound events: updateConfig, testSend.
package web

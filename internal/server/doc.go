// Package server implements the transport side of the chat core.
//
// The implementation is organized into specialized files for configuration,
// hub management, websocket and polling clients, event dispatch, routing, and
// HTTP handlers. The Hub implements chat.Notifier; the Dispatcher turns
// inbound envelopes into chat.Service calls.
package server

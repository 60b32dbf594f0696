// Package tui implements the Bubble Tea terminal frontend.
package tui

import "clawterm/internal/adapter/gateway"

// StreamMsg carries one streaming chunk from the chat session into the
// Bubble Tea update loop. Done marks end of generation for the run.
type StreamMsg struct {
	CorrelationID string
	Chunk         string
	Done          bool
}

// StatusMsg carries a gateway connection status change.
type StatusMsg struct {
	Status gateway.Status
}

// ConnectResultMsg signals the outcome of a connect attempt started from
// the connection form.
type ConnectResultMsg struct {
	URL   string
	Token string
	Err   error
}

// SendResultMsg signals the outcome of a chat.send issued in the
// background. The reply itself arrives via StreamMsg.
type SendResultMsg struct {
	Err error
}

// QuitMsg signals the program to exit.
type QuitMsg struct{}

package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"clawterm/internal/adapter/gateway"
)

// Run starts the Bubble Tea program and blocks until it exits. Session
// stream chunks and gateway status changes are forwarded into the update
// loop via program.Send.
func Run(ctx context.Context, deps ModelDeps) error {
	program := tea.NewProgram(
		NewModel(deps),
		tea.WithAltScreen(),
	)

	unsubStream := deps.Session.OnStream(func(correlationID, chunk string, done bool) {
		program.Send(StreamMsg{CorrelationID: correlationID, Chunk: chunk, Done: done})
	})
	defer unsubStream()

	unsubStatus := deps.Client.StatusChanges(func(s gateway.Status) {
		program.Send(StatusMsg{Status: s})
	})
	defer unsubStatus()

	go func() {
		<-ctx.Done()
		program.Send(QuitMsg{})
	}()

	_, err := program.Run()
	return err
}

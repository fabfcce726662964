package chat

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/agentarena/arena/pkg/protocol"
)

// Run connects to the bridge at url, identifies as clientID (a fresh id
// when empty) and opens the chat screen for agentPkg.
func Run(ctx context.Context, url, agentPkg, clientID string) error {
	client, err := Dial(ctx, url)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if clientID != "" {
		if err := client.Send(protocol.ClientCommand{Type: protocol.CmdIdentify, ClientID: clientID}); err != nil {
			return fmt.Errorf("identify: %w", err)
		}
	}

	p := tea.NewProgram(NewModel(client, agentPkg), tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		for frame := range client.Frames() {
			p.Send(FrameMsg{Frame: frame})
		}
		p.Send(ClosedMsg{Err: client.Err()})
	}()

	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	if m, ok := final.(Model); ok && m.Err() != nil {
		return fmt.Errorf("bridge connection lost: %w", m.Err())
	}
	return nil
}

// Package console is a terminal UI that talks to a running pipeline as a
// simulated mesh node on a loopback link.
package console

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"groundwave/pkg/bus"
	"groundwave/pkg/link"
	"groundwave/pkg/link/loopback"
)

const frameBacklog = 64

// InjectFunc delivers one line typed by the operator to the gateway.
type InjectFunc func(ctx context.Context, text string, direct bool) error

// Info is shown in the console header.
type Info struct {
	NodeID    string
	Link      string
	Community string
	Assistant string
	Prefix    string
}

func (i Info) prefix() string {
	if strings.TrimSpace(i.Prefix) == "" {
		return "!"
	}
	return i.Prefix
}

// Run drives the console until the operator quits. Frames the gateway sends
// to info.NodeID or to the channel are shown as replies.
func Run(ctx context.Context, lb *loopback.Adapter, info Info, events <-chan bus.Event) error {
	if info.Link == "" {
		info.Link = lb.Name()
	}

	frames := make(chan link.Frame, frameBacklog)
	lb.OnSend(func(f link.Frame) {
		if f.Destination != info.NodeID && f.Destination != link.Broadcast {
			return
		}
		select {
		case frames <- f:
		default:
		}
	})
	defer lb.OnSend(nil)

	inject := func(_ context.Context, text string, direct bool) error {
		return lb.InjectText(info.NodeID, text, direct)
	}

	program := tea.NewProgram(newModel(ctx, inject, frames, events, info), tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("run console: %w", err)
	}

	fmt.Println(renderGoodbyeBanner(info.Community))
	return nil
}

func renderGoodbyeBanner(community string) string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("16")).
		Background(lipgloss.Color("71")).
		Padding(1, 2)

	return style.Render("📡 73 from " + displayOrNA(community))
}

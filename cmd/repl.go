// SPDX-License-Identifier: MIT

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ryanrsrs/luatt/pkg/client"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive Lua REPL on the device",
	Long: `Open an interactive console to the device. Input lines are evaluated as
Lua on the device; asynchronous device output is interleaved in the
scrollback.

Meta commands:
  !reset                reset the device interpreter
  !load file.lua ...    load Lua files, file lists, or archives
  !compile file.lua ... compile and print bytecode dumps
  !quit / !exit         leave the console`,
	RunE: runRepl,
}

func init() {
	rootCmd.AddCommand(replCmd)
}

// Messages
type deviceLineMsg string
type cmdDoneMsg struct{ err error }
type handshakeMsg struct {
	id  string
	err error
}

type replModel struct {
	session  *client.Session
	connInfo string

	viewport viewport.Model
	input    textinput.Model
	lines    []string

	history []string
	histPos int

	deviceID string
	busy     bool
	ready    bool
	quitting bool
}

var (
	replTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	replStatusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	replErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	replEchoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

func newReplModel(session *client.Session, connInfo string) replModel {
	ti := textinput.New()
	ti.Prompt = "lua> "
	ti.Focus()

	return replModel{
		session:  session,
		connInfo: connInfo,
		input:    ti,
		histPos:  -1,
	}
}

func (m replModel) Init() tea.Cmd {
	handshake := func() tea.Msg {
		id, err := m.session.WaitVersion(10 * time.Second)
		if err == nil {
			err = m.session.SyncClock()
		}
		return handshakeMsg{id: id, err: err}
	}
	return tea.Batch(handshake, textinput.Blink)
}

func (m replModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+d":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			if m.busy {
				return m, nil
			}
			line := strings.TrimSpace(m.input.Value())
			if line == "" {
				return m, nil
			}
			m.input.SetValue("")
			m.history = append(m.history, line)
			m.histPos = -1
			return m.submit(line)
		case "up":
			if len(m.history) > 0 {
				if m.histPos == -1 {
					m.histPos = len(m.history) - 1
				} else if m.histPos > 0 {
					m.histPos--
				}
				m.input.SetValue(m.history[m.histPos])
				m.input.CursorEnd()
			}
			return m, nil
		case "down":
			if m.histPos >= 0 {
				m.histPos++
				if m.histPos >= len(m.history) {
					m.histPos = -1
					m.input.SetValue("")
				} else {
					m.input.SetValue(m.history[m.histPos])
					m.input.CursorEnd()
				}
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		headerHeight := 2
		footerHeight := 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.refresh()

	case handshakeMsg:
		if msg.err != nil {
			m.addLine(replErrorStyle.Render(fmt.Sprintf("handshake failed: %v", msg.err)))
		} else {
			m.deviceID = msg.id
			m.addLine(replStatusStyle.Render("connected: " + msg.id))
		}

	case deviceLineMsg:
		m.addLine(string(msg))

	case cmdDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.addLine(replErrorStyle.Render(msg.err.Error()))
		}
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// submit runs one console line: a meta command or a Lua eval.
func (m replModel) submit(line string) (tea.Model, tea.Cmd) {
	m.addLine(replEchoStyle.Render("lua> " + line))

	if strings.HasPrefix(line, "!") {
		args := strings.Fields(line)
		switch args[0] {
		case "!quit", "!exit":
			m.quitting = true
			return m, tea.Quit
		case "!reset":
			return m.runAsync(func(ctx context.Context) error {
				return m.session.Reset(ctx)
			})
		case "!load", "!compile":
			compile := args[0] == "!compile"
			if len(args) < 2 {
				m.addLine(replErrorStyle.Render(args[0] + ": no files given"))
				return m, nil
			}
			files := args[1:]
			return m.runAsync(func(ctx context.Context) error {
				for _, f := range files {
					if err := m.session.LoadArg(ctx, f, compile); err != nil {
						return err
					}
				}
				return nil
			})
		default:
			m.addLine(replErrorStyle.Render("bad command: " + line))
			return m, nil
		}
	}

	return m.runAsync(func(ctx context.Context) error {
		return m.session.Eval(ctx, line)
	})
}

func (m replModel) runAsync(fn func(context.Context) error) (tea.Model, tea.Cmd) {
	m.busy = true
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return cmdDoneMsg{err: fn(ctx)}
	}
}

func (m *replModel) addLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > 2000 {
		m.lines = m.lines[len(m.lines)-2000:]
	}
	m.refresh()
}

func (m *replModel) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m replModel) View() string {
	if m.quitting {
		return "Disconnecting...\n"
	}
	if !m.ready {
		return "Connecting...\n"
	}

	header := replTitleStyle.Render("LUATT REPL") + " " +
		replStatusStyle.Render(m.connInfo)
	status := "ready"
	if m.busy {
		status = "waiting for device"
	}
	footer := replStatusStyle.Render(status) + "\n" + m.input.View()
	return header + "\n\n" + m.viewport.View() + "\n" + footer
}

func runRepl(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := openConnection()
	if err != nil {
		return err
	}

	var p *tea.Program
	session := client.NewSession(conn,
		client.WithOutput(func(line string) {
			if p != nil {
				p.Send(deviceLineMsg(line))
			}
		}),
		client.WithLogger(log.Logger),
	)

	m := newReplModel(session, connInfo)
	p = tea.NewProgram(m, tea.WithAltScreen())
	session.Start()
	defer session.Close()

	_, err = p.Run()
	return err
}

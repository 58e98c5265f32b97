package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"teledl/internal/manager"
)

var watchFlags struct {
	addr     string
	interval time.Duration
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of active downloads from a running serve process",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := newWatchModel(watchFlags.addr, watchFlags.interval)
		p := tea.NewProgram(m, tea.WithAltScreen())
		out, err := p.Run()
		if err != nil {
			return err
		}
		if final, ok := out.(watchModel); ok && final.fatalErr != nil {
			return final.fatalErr
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchFlags.addr, "addr", "http://localhost:8080", "base URL of the running daemon")
	watchCmd.Flags().DurationVar(&watchFlags.interval, "interval", time.Second, "poll interval")
}

type watchStatus struct {
	Manager struct {
		ActiveDownloads     int    `json:"active_downloads"`
		QueueSize           int    `json:"queue_size"`
		CircuitBreakerState string `json:"circuit_breaker_state"`
		WorkersRunning      int    `json:"workers_running"`
	} `json:"manager"`
	JobCounts map[string]int `json:"job_counts"`
}

type watchTickMsg struct {
	active []manager.Progress
	status watchStatus
	err    error
}

type watchModel struct {
	addr     string
	interval time.Duration

	table    table.Model
	status   watchStatus
	lastErr  error
	fatalErr error
	width    int
}

func newWatchModel(addr string, interval time.Duration) watchModel {
	columns := []table.Column{
		{Title: "Job", Width: 10},
		{Title: "File", Width: 28},
		{Title: "Status", Width: 24},
		{Title: "Progress", Width: 9},
		{Title: "Speed", Width: 12},
		{Title: "ETA", Width: 8},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(true), table.WithHeight(12))
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(lipgloss.Color("212"))
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62"))
	t.SetStyles(styles)

	return watchModel{addr: addr, interval: interval, table: t}
}

func (m watchModel) Init() tea.Cmd {
	return pollCmd(m.addr)
}

func pollCmd(addr string) tea.Cmd {
	return func() tea.Msg {
		var msg watchTickMsg

		var active struct {
			Active []manager.Progress `json:"active"`
		}
		if err := getJSON(addr+"/v1/progress", &active); err != nil {
			msg.err = err
			return msg
		}
		msg.active = active.Active

		if err := getJSON(addr+"/v1/status", &msg.status); err != nil {
			msg.err = err
			return msg
		}
		return msg
	}
}

func getJSON(url string, v any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd
	case watchTickMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.status = msg.status
			rows := make([]table.Row, 0, len(msg.active))
			for _, p := range msg.active {
				rows = append(rows, table.Row{
					shortID(p.JobID),
					p.FileName,
					p.Status,
					fmt.Sprintf("%.1f%%", p.Percentage),
					formatSpeed(p.Speed),
					formatETA(p.ETA),
				})
			}
			m.table.SetRows(rows)
		}
		return m, tea.Tick(m.interval, func(time.Time) tea.Msg { return pollCmd(m.addr)() })
	}
	return m, nil
}

func (m watchModel) View() string {
	header := headerStyle.Render("teledl watch") + mutedStyle.Render("  "+m.addr)
	summary := fmt.Sprintf("active %d  queued %d  workers %d  breaker %s",
		m.status.Manager.ActiveDownloads,
		m.status.JobCounts["pending"],
		m.status.Manager.WorkersRunning,
		m.status.Manager.CircuitBreakerState)
	if m.lastErr != nil {
		summary = failStyle.Render("poll error: " + m.lastErr.Error())
	}
	hints := mutedStyle.Render("q quit")
	return lipgloss.JoinVertical(lipgloss.Left, header, summary, m.table.View(), hints)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatSpeed(bytesPerSec float64) string {
	switch {
	case bytesPerSec <= 0:
		return "-"
	case bytesPerSec >= 1<<20:
		return fmt.Sprintf("%.1f MB/s", bytesPerSec/(1<<20))
	default:
		return fmt.Sprintf("%.0f KB/s", bytesPerSec/(1<<10))
	}
}

func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "-"
	}
	return eta.Round(time.Second).String()
}

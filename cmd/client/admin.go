package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	admingrpc "github.com/i-melnichenko/raftengine/internal/transport/grpc/admin"
)

const watchRefreshInterval = 500 * time.Millisecond

type adminConn struct {
	id     string
	client *admingrpc.Client
}

type nodeRow struct {
	id   string
	addr string
	info *admingrpc.NodeInfo
	err  error
}

func openAdminConns(g *globalFlags) ([]adminConn, func(), error) {
	addrs, err := parseAddrs(g.addr)
	if err != nil {
		return nil, nil, err
	}
	conns := make([]adminConn, 0, len(addrs))
	closeAll := func() {
		for _, c := range conns {
			_ = c.client.Close()
		}
	}
	for _, id := range slices.Sorted(maps.Keys(addrs)) {
		c, err := admingrpc.Dial(addrs[id], dialOptions()...)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		conns = append(conns, adminConn{id: id, client: c})
	}
	return conns, closeAll, nil
}

// pollRows fetches node info from every node concurrently. Rows keep the
// order of conns.
func pollRows(ctx context.Context, conns []adminConn, timeout time.Duration) []nodeRow {
	rows := make([]nodeRow, len(conns))
	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reqCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			info, err := c.client.NodeInfo(reqCtx)
			rows[i] = nodeRow{id: c.id, addr: c.client.Target(), info: info, err: err}
		}()
	}
	wg.Wait()
	return rows
}

func newStatusCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a one-shot table of every node's Raft state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conns, closeAll, err := openAdminConns(g)
			if err != nil {
				return err
			}
			defer closeAll()
			rows := pollRows(cmd.Context(), conns, g.timeout)
			return printStatus(cmd.OutOrStdout(), rows)
		},
	}
}

func printStatus(w io.Writer, rows []nodeRow) error {
	var b strings.Builder
	b.WriteString(renderTable(rows, -1))
	for _, line := range alertLines(rows) {
		b.WriteString(line)
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func newWatchCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live view of every node's Raft state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conns, closeAll, err := openAdminConns(g)
			if err != nil {
				return err
			}
			defer closeAll()
			p := tea.NewProgram(newWatchModel(conns, g.timeout), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		},
	}
}

func newPersistCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "persist",
		Short: "Switch every addressed node to its durable backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conns, closeAll, err := openAdminConns(g)
			if err != nil {
				return err
			}
			defer closeAll()

			var result *multierror.Error
			for _, c := range conns {
				ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
				switched, err := c.client.BecomePersistent(ctx)
				cancel()
				switch {
				case err != nil:
					result = multierror.Append(result, fmt.Errorf("%s: %w", c.id, err))
				case switched:
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: persistent\n", c.id)
				default:
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: already persistent\n", c.id)
				}
			}
			return result.ErrorOrNil()
		},
	}
}

func newConfigCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config <member>...",
		Short: "Replace the voting members of the cluster",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conns, closeAll, err := openAdminConns(g)
			if err != nil {
				return err
			}
			defer closeAll()
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			id, index, err := changeConfig(ctx, conns, args)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ok (leader %s, index %d)\n", id, index)
			return nil
		},
	}
}

// changeConfig tries nodes in order and jumps to the hinted leader on a
// not-leader reply.
func changeConfig(ctx context.Context, conns []adminConn, members []string) (string, uint64, error) {
	byID := make(map[string]adminConn, len(conns))
	order := make([]string, 0, len(conns))
	for _, c := range conns {
		byID[c.id] = c
		order = append(order, c.id)
	}
	tried := make(map[string]bool, len(conns))
	var result *multierror.Error
	for len(order) > 0 {
		id := order[0]
		order = order[1:]
		if tried[id] {
			continue
		}
		tried[id] = true

		index, err := byID[id].client.ChangeVotingConfig(ctx, members)
		if err == nil {
			return id, index, nil
		}
		var nle *admingrpc.NotLeaderError
		if errors.As(err, &nle) {
			if _, ok := byID[nle.LeaderID]; ok && !tried[nle.LeaderID] {
				order = append([]string{nle.LeaderID}, order...)
			}
			continue
		}
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		result = multierror.Append(result, fmt.Errorf("%s: %w", id, err))
	}
	if err := result.ErrorOrNil(); err != nil {
		return "", 0, err
	}
	return "", 0, errNoLeader
}

// ---- Rendering ----------------------------------------------------------

var (
	styleHeader   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7")).Background(lipgloss.Color("8"))
	styleTitle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	styleFaint    = lipgloss.NewStyle().Faint(true)
	styleLeader   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	stylePre      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5"))
	styleCand     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
	styleFollower = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	styleOK       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	styleWarn     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
	styleErr      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	styleSelected = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
)

type column struct {
	title string
	width int
	value func(r nodeRow) string
}

var columns = []column{
	{"NODE", 8, func(r nodeRow) string { return r.id }},
	{"ROLE", 10, func(r nodeRow) string { return r.info.Role }},
	{"LEADER", 8, func(r nodeRow) string { return r.info.LeaderID }},
	{"TERM", 5, func(r nodeRow) string { return fmt.Sprint(r.info.Term) }},
	{"LOG", 7, func(r nodeRow) string { return fmt.Sprint(r.info.LastLogIndex) }},
	{"DUR", 7, func(r nodeRow) string { return fmt.Sprint(r.info.DurableIndex) }},
	{"CMT", 7, func(r nodeRow) string { return fmt.Sprint(r.info.CommitIndex) }},
	{"APL", 7, func(r nodeRow) string { return fmt.Sprint(r.info.LastApplied) }},
	{"SNAP", 7, func(r nodeRow) string { return fmt.Sprint(r.info.SnapshotLastIndex) }},
	{"SNAPSZ", 8, func(r nodeRow) string { return humanize.IBytes(r.info.SnapshotSizeBytes) }},
	{"RET", 6, func(r nodeRow) string { return fmt.Sprint(r.info.RetainedEntries) }},
	{"PERSIST", 8, func(r nodeRow) string { return yesNo(r.info.PersistenceEnabled) }},
	{"CFG", 5, func(r nodeRow) string { return fmt.Sprintf("%d/%d", r.info.QuorumSize, len(r.info.ClusterMembers)) }},
	{"APPLIED AT", 10, func(r nodeRow) string { return formatTime(r.info.LastAppliedAt) }},
}

// renderTable renders rows as a fixed-width table. selected highlights one
// row; pass -1 for none.
func renderTable(rows []nodeRow, selected int) string {
	var b strings.Builder
	header := make([]string, 0, len(columns)+1)
	header = append(header, "ST")
	for _, c := range columns {
		header = append(header, fit(c.title, c.width))
	}
	b.WriteString(styleHeader.Render(strings.Join(header, " ")))
	b.WriteString("\n")

	for i, r := range rows {
		cells := make([]string, 0, len(columns)+1)
		cells = append(cells, statusDot(r, i == selected))
		if r.err != nil {
			cells = append(cells, fit(r.id, columns[0].width), styleErr.Render(errorKind(r.err)), styleFaint.Render(r.addr))
			b.WriteString(strings.Join(cells, " "))
			b.WriteString("\n")
			continue
		}
		for _, c := range columns {
			cell := fit(c.value(r), c.width)
			if c.title == "ROLE" {
				cell = roleStyle(r.info.Role).Render(cell)
			}
			cells = append(cells, cell)
		}
		b.WriteString(strings.Join(cells, " "))
		b.WriteString("\n")
	}
	return b.String()
}

func renderPeers(r nodeRow) string {
	if r.err != nil || r.info == nil || len(r.info.Peers) == 0 {
		return styleFaint.Render("  peers: -")
	}
	var b strings.Builder
	b.WriteString(styleTitle.Render("  peers of " + r.id))
	b.WriteString("\n")
	for _, p := range r.info.Peers {
		flags := ""
		if p.Slicing {
			flags += " slicing"
		}
		if p.InstallingSnapshot {
			flags += " snapshot"
		}
		_, _ = fmt.Fprintf(&b, "    %-8s %-22s match=%-7d next=%-7d lag=%d%s\n",
			p.NodeID, p.Address, p.MatchIndex, p.NextIndex, p.Lag, styleWarn.Render(flags))
	}
	return strings.TrimRight(b.String(), "\n")
}

// alertLines reports cluster-level problems: no leader, more than one
// leader, degraded nodes and unreachable nodes.
func alertLines(rows []nodeRow) []string {
	var lines []string
	leaders := map[string]bool{}
	reachable := 0
	for _, r := range rows {
		if r.err != nil {
			lines = append(lines, fmt.Sprintf("%s %s %s", styleErr.Render("●"), r.id, errorSummary(r.err)))
			continue
		}
		reachable++
		if r.info.Role == "leader" {
			leaders[r.info.NodeID] = true
		}
		if r.info.Status == "degraded" {
			lines = append(lines, fmt.Sprintf("%s %s degraded: persistence failed", styleWarn.Render("●"), r.id))
		}
	}
	switch {
	case reachable > 0 && len(leaders) == 0:
		lines = append(lines, styleWarn.Render("LEADER_MISSING")+" election in progress or stalled")
	case len(leaders) > 1:
		lines = append(lines, styleErr.Render("MULTIPLE_LEADERS")+" "+strings.Join(slices.Sorted(maps.Keys(leaders)), ","))
	}
	return lines
}

func statusDot(r nodeRow, selected bool) string {
	switch {
	case selected:
		return styleSelected.Render("▶ ")
	case r.err != nil:
		return styleErr.Render("● ")
	case r.info.Status == "degraded":
		return styleWarn.Render("● ")
	default:
		return styleOK.Render("● ")
	}
}

func roleStyle(role string) lipgloss.Style {
	switch role {
	case "leader":
		return styleLeader
	case "pre-leader":
		return stylePre
	case "candidate":
		return styleCand
	default:
		return styleFollower
	}
}

func errorKind(err error) string {
	switch status.Code(err) {
	case codes.Unavailable:
		return "unavailable"
	case codes.DeadlineExceeded:
		return "timeout"
	default:
		return "error"
	}
}

func errorSummary(err error) string {
	if st, ok := status.FromError(err); ok {
		return st.Message()
	}
	return oneLineErr(err)
}

func fit(s string, width int) string {
	if len(s) > width {
		if width <= 1 {
			return s[:width]
		}
		s = s[:width-1] + "…"
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("15:04:05")
}

// ---- Bubbletea model ----------------------------------------------------

type tickMsg time.Time

type rowsMsg struct {
	rows []nodeRow
	ts   time.Time
}

type watchModel struct {
	conns   []adminConn
	timeout time.Duration
	rows    []nodeRow
	ts      time.Time
	cursor  int
	height  int
}

func newWatchModel(conns []adminConn, timeout time.Duration) watchModel {
	return watchModel{conns: conns, timeout: timeout}
}

// Init fires the first poll. Each poll result schedules the next tick, so
// exactly one poll is in flight at a time.
func (m watchModel) Init() tea.Cmd {
	return m.pollCmd()
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.height = msg.Height
	case tickMsg:
		return m, m.pollCmd()
	case rowsMsg:
		m.rows, m.ts = msg.rows, msg.ts
		if m.cursor >= len(m.rows) {
			m.cursor = max(0, len(m.rows)-1)
		}
		return m, tea.Tick(watchRefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			m.cursor = max(0, m.cursor-1)
		case "down", "j":
			m.cursor = min(max(0, len(m.rows)-1), m.cursor+1)
		}
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(styleTitle.Render("  raftengine"))
	b.WriteString("  ")
	b.WriteString(styleFaint.Render(m.ts.Format(time.RFC3339)))
	b.WriteString("\n\n")
	b.WriteString(renderTable(m.rows, m.cursor))
	b.WriteString("\n")
	if m.cursor < len(m.rows) {
		b.WriteString(renderPeers(m.rows[m.cursor]))
		b.WriteString("\n")
	}
	if alerts := alertLines(m.rows); len(alerts) > 0 {
		b.WriteString("\n")
		b.WriteString(styleWarn.Render("Alerts"))
		b.WriteString("\n")
		for _, line := range alerts {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
	b.WriteString(styleFaint.Render("  ↑/↓ select node · q to exit"))

	// Pad to the terminal height so a shorter frame overwrites stale lines.
	out := b.String()
	if lines := strings.Split(out, "\n"); len(lines) < m.height {
		out += strings.Repeat("\n", m.height-len(lines))
	}
	return out
}

func (m watchModel) pollCmd() tea.Cmd {
	conns, timeout := m.conns, m.timeout
	return func() tea.Msg {
		return rowsMsg{rows: pollRows(context.Background(), conns, timeout), ts: time.Now()}
	}
}

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/airframesio/data-compare/cmd/comparison"
	"github.com/airframesio/data-compare/cmd/orchestrator"
	"github.com/airframesio/data-compare/cmd/sqlsafe"
)

const maxLogMessages = 10

type progressUpdateMsg comparison.Progress

type runDoneMsg struct {
	result *orchestrator.RunResult
	err    error
}

type messageMsg string

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F87")).
			Margin(0, 2)
)

// runModel renders a comparison run. The run itself executes outside the model
// and reports through progressUpdateMsg and runDoneMsg.
type runModel struct {
	comparisonID string
	sourceA      string
	sourceB      string
	algorithm    comparison.Algorithm

	spinner  spinner.Model
	overall  progress.Model
	progress comparison.Progress
	messages []string
	width    int

	startTime   time.Time
	lastStage   comparison.Stage
	stopPresses int
	done        bool
	result      *orchestrator.RunResult
	err         error

	// cancel asks the run to finish early; abort cancels its context.
	cancel func()
	abort  func()
}

func newRunModel(id string, cfg comparison.Config, cancel, abort func()) runModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	overall := progress.New(
		progress.WithScaledGradient("#FF7CCB", "#FDFF8C"),
		progress.WithWidth(60),
	)

	return runModel{
		comparisonID: id,
		sourceA:      sourceDisplay(cfg.SourceA),
		sourceB:      sourceDisplay(cfg.SourceB),
		algorithm:    cfg.Algorithm,
		spinner:      s,
		overall:      overall,
		progress:     comparison.Progress{Stage: comparison.StageIdle},
		startTime:    time.Now(),
		cancel:       cancel,
		abort:        abort,
	}
}

// sourceDisplay shortens a source label for one terminal line.
func sourceDisplay(s comparison.Source) string {
	label := s.Label()
	if s.Kind == comparison.SourceQuery {
		label = strings.Join(strings.Fields(label), " ")
	}
	const maxWidth = 60
	if len([]rune(label)) > maxWidth {
		label = string([]rune(label)[:maxWidth-3]) + "..."
	}
	return label
}

func (m runModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		tea.EnterAltScreen,
		func() tea.Msg { return messageMsg("🚀 Starting comparison " + m.comparisonID) },
	)
}

func (m runModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		return m.handleWindowSizeMsg(msg)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case progress.FrameMsg:
		overall, cmd := m.overall.Update(msg)
		if om, ok := overall.(progress.Model); ok {
			m.overall = om
		}
		return m, cmd
	case progressUpdateMsg:
		return m.handleProgressMsg(comparison.Progress(msg))
	case messageMsg:
		m.addMessage(string(msg))
		return m, nil
	case runDoneMsg:
		m.done = true
		m.result = msg.result
		m.err = msg.err
		return m, tea.Sequence(tea.ExitAltScreen, tea.Quit)
	}
	return m, nil
}

// handleKeyMsg treats the first q or ctrl+c as a cooperative stop so finished
// buckets are kept; a second press aborts the in-flight query and quits.
func (m runModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() != "ctrl+c" && msg.String() != "q" {
		return m, nil
	}
	m.stopPresses++
	if m.stopPresses == 1 && m.cancel != nil {
		m.addMessage("⏸  Stop requested, finishing the current bucket (press again to abort)")
		cancel := m.cancel
		return m, func() tea.Msg {
			cancel()
			return nil
		}
	}
	m.addMessage("🛑 Aborting")
	if m.abort != nil {
		m.abort()
	}
	m.done = true
	return m, tea.Sequence(tea.ExitAltScreen, tea.Quit)
}

func (m runModel) handleWindowSizeMsg(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	if msg.Width > 20 {
		m.overall.Width = msg.Width - 10
	}
	return m, nil
}

func (m runModel) handleProgressMsg(p comparison.Progress) (tea.Model, tea.Cmd) {
	m.progress = p
	if p.Stage != m.lastStage {
		switch p.Stage { //nolint:exhaustive // only milestones are logged
		case comparison.StageCounting:
			m.addMessage("🔢 Counting rows")
		case comparison.StageFinalizing:
			m.addMessage("🧮 Summarizing results")
		case comparison.StageCompleted:
			m.addMessage(fmt.Sprintf("✅ Completed with %d diff rows", p.DiffRows))
		case comparison.StagePartial:
			m.addMessage(fmt.Sprintf("⚠️  Finished early with %d diff rows", p.DiffRows))
		case comparison.StageCancelled:
			m.addMessage("⚠️  Cancelled before any bucket completed")
		case comparison.StageFailed:
			m.addMessage("❌ " + p.Error)
		}
		m.lastStage = p.Stage
	}
	return m, nil
}

func (m *runModel) addMessage(msg string) {
	m.messages = append(m.messages, msg)
	if len(m.messages) > maxLogMessages {
		m.messages = m.messages[len(m.messages)-maxLogMessages:]
	}
}

func (m runModel) renderHeader() []string {
	sections := []string{
		"",
		titleStyle.Render(fmt.Sprintf("   data-compare %s", m.comparisonID)),
		"",
		progressInfoStyle.Render("   A: " + m.sourceA),
		progressInfoStyle.Render("   B: " + m.sourceB),
	}
	if m.algorithm != "" {
		sections = append(sections, progressInfoStyle.Render("   Algorithm: "+string(m.algorithm)))
	}
	return append(sections, "")
}

func (m runModel) renderMessages() []string {
	sections := []string{helpStyle.Render("   Log:")}
	if len(m.messages) == 0 {
		return append(sections, "     (waiting for operations...)")
	}
	for _, msg := range m.messages {
		sections = append(sections, "     "+msg)
	}
	return sections
}

func (m runModel) renderSeparator() []string {
	separatorWidth := 80
	if m.width > 0 && m.width < 200 {
		separatorWidth = m.width - 6
	}
	separator := "   " + strings.Repeat("─", separatorWidth)
	return []string{"", lipgloss.NewStyle().Foreground(lipgloss.Color("#444")).Render(separator), ""}
}

func (m runModel) renderProgress() []string {
	p := m.progress
	sections := []string{tableHeaderStyle.Render("   Buckets"), ""}

	overallInfo := fmt.Sprintf("   Completed: %d  Pending: %d  Enqueued: %d",
		p.CompletedBuckets, p.PendingBuckets, p.TotalBuckets)
	sections = append(sections, progressInfoStyle.Render(overallInfo))
	sections = append(sections, "   "+m.overall.ViewAs(progressFraction(p)))
	sections = append(sections, "")

	stage := fmt.Sprintf("   %s %s", m.spinner.View(), p.Stage)
	if p.Stage.Terminal() {
		stage = "   " + string(p.Stage)
	}
	sections = append(sections, stageStyle.Render(stage))
	if p.CurrentBucket != nil {
		sections = append(sections, progressInfoStyle.Render("   Bucket: "+p.CurrentBucket.String()))
	}

	elapsed := time.Since(m.startTime).Round(time.Second)
	rows := fmt.Sprintf("   Rows processed: %d  Diff rows: %d  Elapsed: %s", p.ProcessedRows, p.DiffRows, elapsed)
	sections = append(sections, progressInfoStyle.Render(rows))

	if p.CancelRequested {
		sections = append(sections, "", warnStyle.Render("   Cancellation requested"))
	}
	if p.Error != "" {
		sections = append(sections, "", warnStyle.Render("   "+sqlsafe.SanitizeError(p.Error)))
	}
	return sections
}

func (m runModel) View() string {
	if m.done {
		return ""
	}

	var sections []string
	sections = append(sections, m.renderHeader()...)
	sections = append(sections, m.renderMessages()...)
	sections = append(sections, m.renderSeparator()...)
	sections = append(sections, m.renderProgress()...)

	help := "   Press Ctrl+C or 'q' to stop early"
	if m.stopPresses > 0 {
		help = "   Press Ctrl+C or 'q' again to abort"
	}
	sections = append(sections, "", helpStyle.Render(help))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderSummary describes a finished run. It is printed after the TUI exits and
// logged line by line in plain mode.
func renderSummary(res *orchestrator.RunResult) []string {
	if res == nil {
		return nil
	}
	lines := []string{
		fmt.Sprintf("Comparison: %s", res.ComparisonID),
		fmt.Sprintf("Stage: %s", res.Stage),
		fmt.Sprintf("Algorithm: %s", res.Metadata.AlgorithmUsed),
		fmt.Sprintf("Duration: %s", (time.Duration(res.Metadata.DurationMs) * time.Millisecond).String()),
	}
	if res.ResultsTableName != "" {
		lines = append(lines, fmt.Sprintf("Results table: %s", res.ResultsTableName))
	}
	if s := res.Metadata.Summary; s != nil {
		lines = append(lines,
			fmt.Sprintf("Only in A: %d", s.OnlyInA),
			fmt.Sprintf("Only in B: %d", s.OnlyInB),
			fmt.Sprintf("Differs: %d", s.Differs),
		)
		if s.Matches > 0 {
			lines = append(lines, fmt.Sprintf("Matches: %d", s.Matches))
		}
	}
	if sp := res.Metadata.SamplingParams; sp != nil {
		lines = append(lines, fmt.Sprintf("Sampled: %.2f%% of %d rows (target %d)", sp.Rate*100, sp.TotalRows, sp.TargetSampleSize))
	}
	if hm := res.Metadata.HashDiffMetrics; hm != nil {
		lines = append(lines, fmt.Sprintf("Buckets: %d processed, %d enqueued, max depth %d", hm.ProcessedBuckets, hm.TotalBucketsEnqueued, hm.MaxDepth))
		if hm.OversizedBuckets > 0 {
			lines = append(lines, fmt.Sprintf("Oversized leaf buckets: %d", hm.OversizedBuckets))
		}
	}
	if res.Progress.Error != "" {
		lines = append(lines, fmt.Sprintf("Error: %s", res.Progress.Error))
	}
	return lines
}

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/pitabwire/casedesk/internal/extract"
	"github.com/pitabwire/casedesk/internal/review"
	"github.com/pitabwire/casedesk/internal/tracker"
	"github.com/pitabwire/casedesk/internal/transport"
	"github.com/pitabwire/casedesk/internal/validator"
	"github.com/pitabwire/casedesk/model"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED") // purple
	successColor = lipgloss.Color("#10B981") // green
	mutedColor   = lipgloss.Color("#6B7280") // gray
	dangerColor  = lipgloss.Color("#EF4444") // red
	warnColor    = lipgloss.Color("#F59E0B") // yellow
	calcColor    = lipgloss.Color("#3B82F6") // blue

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	labelStyle   = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	okStyle      = lipgloss.NewStyle().Foreground(successColor)
	warnStyle    = lipgloss.NewStyle().Foreground(warnColor)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(dangerColor)
	dangerStyle  = lipgloss.NewStyle().Foreground(dangerColor)
	calcStyle    = lipgloss.NewStyle().Foreground(calcColor)
	manualBadge  = lipgloss.NewStyle().Foreground(warnColor).Render("[manual]")
	criticalMark = lipgloss.NewStyle().Foreground(dangerColor).Render("*")
)

var segmentStyles = map[string]lipgloss.Style{
	extract.ClassSuccess:     okStyle.Bold(true),
	extract.ClassWarning:     warnStyle.Bold(true),
	extract.ClassDanger:      dangerStyle.Bold(true),
	extract.ClassCalculation: calcStyle,
}

// renderThinking colours the keywords of an agent analysis line.
func renderThinking(line string) string {
	var b strings.Builder
	for _, seg := range extract.ClassifyThinking(line) {
		if style, ok := segmentStyles[seg.Class]; ok {
			b.WriteString(style.Render(seg.Text))
			continue
		}
		b.WriteString(seg.Text)
	}
	return b.String()
}

func statusStyle(s model.StepStatus) lipgloss.Style {
	switch s {
	case model.StepCompleted:
		return okStyle
	case model.StepInProgress:
		return warnStyle
	case model.StepFailed:
		return dangerStyle
	}
	return mutedStyle
}

func renderSession(w io.Writer, v tracker.SessionView) {
	title := v.ApplicationID
	if v.Application != nil && v.Application.Status != "" {
		title += " (" + v.Application.Status + ")"
	}
	fmt.Fprintln(w, titleStyle.Render(title))
	fmt.Fprintf(w, "%s %d/%d steps completed\n", labelStyle.Render("Progress:"), v.Completed, v.Total)
	if v.LastError != "" {
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("Last fetch failed:"), v.LastError)
	}

	for _, step := range v.Steps {
		marker := "  "
		if step.ID == v.SelectedStep {
			marker = titleStyle.Render("> ")
		}
		line := fmt.Sprintf("%s%d. %-24s %s", marker, step.ID, step.Name, statusStyle(step.Status).Render(step.Status.String()))
		if step.IsManual() {
			line += " " + manualBadge
		}
		fmt.Fprintln(w, line)
		if step.ID != v.SelectedStep {
			continue
		}
		if step.Summary != "" {
			fmt.Fprintf(w, "     %s\n", mutedStyle.Render(step.Summary))
		}
		if step.AdminNotes != "" {
			fmt.Fprintf(w, "     %s %s\n", labelStyle.Render("Notes:"), step.AdminNotes)
		}
		for _, t := range step.Thinking {
			fmt.Fprintf(w, "     %s\n", renderThinking(t))
		}
	}
}

func renderDecision(w io.Writer, d validator.Decision) {
	switch d.Outcome {
	case validator.OutcomeAllowed:
		fmt.Fprintf(w, "%s %s may be completed manually\n", okStyle.Render("allowed"), d.Stage)
	case validator.OutcomeWarning:
		fmt.Fprintf(w, "%s %s\n", warnStyle.Render("warning"), d.Message)
	case validator.OutcomeRejected:
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("rejected"), d.Message)
	}
	if d.Advisory != "" {
		fmt.Fprintln(w, mutedStyle.Render(d.Advisory))
	}
	if len(d.Dependents) > 0 {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Unblocks:"), strings.Join(d.Dependents, ", "))
	}
}

func renderCompletion(w io.Writer, res review.CompletionResult) {
	if !res.Completed {
		fmt.Fprintf(w, "%s %s\n", warnStyle.Render("confirmation required"), res.Message)
		if len(res.Incomplete) > 0 {
			fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Incomplete:"), strings.Join(res.Incomplete, ", "))
		}
		return
	}
	name := ""
	if res.Step != nil {
		name = res.Step.Name + " "
	}
	fmt.Fprintf(w, "%s %scompleted manually\n", okStyle.Render("done"), name)
	if len(res.Incomplete) > 0 {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Skipped:"), strings.Join(res.Incomplete, ", "))
	}
	if res.Advisory != "" {
		fmt.Fprintln(w, mutedStyle.Render(res.Advisory))
	}
	if res.Session != nil {
		fmt.Fprintf(w, "%s %d/%d steps completed\n", labelStyle.Render("Progress:"), res.Session.Completed, res.Session.Total)
	}
}

func renderAudit(w io.Writer, resp transport.AuditResponse) {
	fmt.Fprintln(w, titleStyle.Render("Audit "+resp.ApplicationID))
	for _, e := range resp.Entries {
		fmt.Fprintf(w, "%s  %-14s %-26s %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Actor, e.Action, e.Message)
	}
	if len(resp.Record) > 0 {
		fmt.Fprintln(w, labelStyle.Render("Platform record"))
		for _, r := range resp.Record {
			fmt.Fprintf(w, "%s  %-14s %s\n", r.Timestamp, r.Actor, r.Message)
		}
	}
}

func renderStale(w io.Writer, staleErr string) {
	if staleErr != "" {
		fmt.Fprintf(w, "%s %s\n", warnStyle.Render("stale:"), staleErr)
	}
}

func renderQueue(w io.Writer, resp transport.ListResponse[model.Application]) {
	renderStale(w, resp.StaleError)
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Review queue (%d)", resp.Total)))
	for _, app := range resp.Items {
		fmt.Fprintf(w, "%-16s %-14s %s\n", app.ApplicationID, app.Status, mutedStyle.Render(app.CurrentStep))
	}
}

func renderClaims(w io.Writer, resp transport.ListResponse[model.ClaimRow]) {
	renderStale(w, resp.StaleError)
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Claims (%d)", resp.Total)))
	for _, c := range resp.Items {
		fmt.Fprintf(w, "%-12s %-20s %10.2f %-12s %-20s %s\n", c.ID, c.Customer, c.Amount, c.Type, c.Status, mutedStyle.Render(c.Time))
	}
}

func renderWorkflow(w io.Writer, resp transport.WorkflowResponse) {
	fmt.Fprintln(w, titleStyle.Render("Workflow "+resp.Name))
	critical := make(map[string]bool, len(resp.CriticalStages))
	for _, s := range resp.CriticalStages {
		critical[s] = true
	}
	for i, stage := range resp.StageOrder {
		mark := " "
		if critical[stage] {
			mark = criticalMark
		}
		line := fmt.Sprintf("%s %d. %s", mark, i+1, stage)
		if deps := resp.Dependencies[stage]; len(deps) > 0 {
			line += mutedStyle.Render(" -> " + strings.Join(deps, ", "))
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w, mutedStyle.Render(criticalMark+" critical, never completed manually"))
}

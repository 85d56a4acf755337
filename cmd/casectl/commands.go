package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pitabwire/casedesk/internal/review"
	"github.com/pitabwire/casedesk/internal/tracker"
	"github.com/pitabwire/casedesk/internal/transport"
	"github.com/pitabwire/casedesk/internal/validator"
	"github.com/pitabwire/casedesk/model"
)

var errAborted = errors.New("aborted")

// emit prints raw as indented JSON in --json mode and calls render
// otherwise.
func (c *cli) emit(raw []byte, render func()) error {
	if !c.json {
		render()
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := c.out.Write(buf.Bytes())
	return err
}

func (c *cli) confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(c.out, "%s [y/N] ", prompt)
	if c.reader == nil {
		c.reader = bufio.NewReader(cmd.InOrStdin())
	}
	line, _ := c.reader.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func newCaseCmd(c *cli) *cobra.Command {
	caseCmd := &cobra.Command{
		Use:     "case",
		Aliases: []string{"c"},
		Short:   "Inspect and complete application steps",
	}

	show := &cobra.Command{
		Use:   "show <application-id>",
		Short: "Show the workflow steps of an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view tracker.SessionView
			var raw []byte
			if _, err := c.client().do(cmd.Context(), http.MethodGet, casePath(args[0]), nil, &view, &raw); err != nil {
				return err
			}
			return c.emit(raw, func() { renderSession(c.out, view) })
		},
	}

	audit := &cobra.Command{
		Use:   "audit <application-id>",
		Short: "Show the audit trail of an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp transport.AuditResponse
			var raw []byte
			if _, err := c.client().do(cmd.Context(), http.MethodGet, casePath(args[0], "audit"), nil, &resp, &raw); err != nil {
				return err
			}
			return c.emit(raw, func() { renderAudit(c.out, resp) })
		},
	}

	validate := &cobra.Command{
		Use:   "validate <application-id> <stage>",
		Short: "Check whether a stage may be completed manually",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d validator.Decision
			var raw []byte
			if _, err := c.client().do(cmd.Context(), http.MethodPost, casePath(args[0], "steps", args[1], "validate"), nil, &d, &raw); err != nil {
				return err
			}
			return c.emit(raw, func() { renderDecision(c.out, d) })
		},
	}

	complete := &cobra.Command{
		Use:   "complete <application-id> <stage>",
		Short: "Complete a stage manually",
		Long:  "Complete a stage manually. Completing a stage before its prerequisites returns a confirmation token that must be confirmed with --override or at the prompt.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			notes, _ := cmd.Flags().GetString("notes")
			yes, _ := cmd.Flags().GetBool("yes")
			override, _ := cmd.Flags().GetBool("override")
			return c.runComplete(cmd, args[0], args[1], notes, yes, override)
		},
	}
	complete.Flags().StringP("notes", "n", "", "Admin notes recorded with the completion (required)")
	complete.Flags().BoolP("yes", "y", false, "Confirm the completion without prompting")
	complete.Flags().Bool("override", false, "Confirm an out-of-order completion immediately")

	caseCmd.AddCommand(show, audit, validate, complete)
	return caseCmd
}

func (c *cli) runComplete(cmd *cobra.Command, id, stage, notes string, yes, override bool) error {
	if strings.TrimSpace(notes) == "" {
		return errors.New("--notes is required")
	}
	if !yes && !c.confirm(cmd, fmt.Sprintf("Mark %s of %s as completed?", stage, id)) {
		return errAborted
	}

	client := c.client()
	var res review.CompletionResult
	var raw []byte
	status, err := client.do(cmd.Context(), http.MethodPost, casePath(id, "steps", stage, "complete"),
		map[string]any{"admin_notes": notes, "confirmed": true}, &res, &raw)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted || res.Token == "" {
		return c.emit(raw, func() { renderCompletion(c.out, res) })
	}

	switch {
	case override:
		if !c.json {
			renderCompletion(c.out, res)
		}
	case c.json:
		return c.emit(raw, nil)
	default:
		renderCompletion(c.out, res)
		if !c.confirm(cmd, "Complete anyway?") {
			fmt.Fprintf(c.out, "%s confirm later with token %s\n", mutedStyle.Render("not sent;"), res.Token)
			return nil
		}
	}

	var confirmed review.CompletionResult
	raw = nil
	if _, err := client.do(cmd.Context(), http.MethodPost, "/api/completions/"+res.Token+"/confirm", nil, &confirmed, &raw); err != nil {
		return err
	}
	return c.emit(raw, func() { renderCompletion(c.out, confirmed) })
}

func newQueueCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List applications in the review queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			var resp transport.ListResponse[model.Application]
			var raw []byte
			if _, err := c.client().do(cmd.Context(), http.MethodGet, withStatus("/api/queue", status), nil, &resp, &raw); err != nil {
				return err
			}
			return c.emit(raw, func() { renderQueue(c.out, resp) })
		},
	}
	cmd.Flags().StringP("status", "s", "", "Only show applications with this status")
	return cmd
}

func newClaimsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "List the claims pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			var resp transport.ListResponse[model.ClaimRow]
			var raw []byte
			if _, err := c.client().do(cmd.Context(), http.MethodGet, withStatus("/api/claims", status), nil, &resp, &raw); err != nil {
				return err
			}
			return c.emit(raw, func() { renderClaims(c.out, resp) })
		},
	}
	cmd.Flags().StringP("status", "s", "", "Only show claims with this status")
	return cmd
}

func newReviewCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review <application-id> <approve|reject|escalate|request_docs>",
		Short: "Submit a review action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			reviewer, _ := cmd.Flags().GetString("reviewer")
			docs, _ := cmd.Flags().GetStringSlice("doc")

			var res review.ActionResult
			var raw []byte
			_, err := c.client().do(cmd.Context(), http.MethodPost, casePath(args[0], "review"), review.ActionRequest{
				Action:    model.ReviewAction(args[1]),
				Reason:    reason,
				Reviewer:  reviewer,
				Documents: docs,
			}, &res, &raw)
			if err != nil {
				return err
			}
			return c.emit(raw, func() {
				fmt.Fprintf(c.out, "%s %s -> %s\n%s\n", okStyle.Render("submitted"), res.Action, res.Status, res.Reason)
			})
		},
	}
	cmd.Flags().StringP("reason", "r", "", "Reason sent to the platform")
	cmd.Flags().String("reviewer", "", "Senior reviewer name for escalate")
	cmd.Flags().StringSlice("doc", nil, "Document type id for request_docs (repeatable)")
	return cmd
}

func newWorkflowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "workflow",
		Short: "Show the active workflow definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp transport.WorkflowResponse
			var raw []byte
			if _, err := c.client().do(cmd.Context(), http.MethodGet, "/api/workflow", nil, &resp, &raw); err != nil {
				return err
			}
			return c.emit(raw, func() { renderWorkflow(c.out, resp) })
		},
	}
}

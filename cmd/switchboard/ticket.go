package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/client"
	"github.com/ShayCichocki/switchboard/internal/clarity"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

var (
	ticketBody     string
	ticketPriority string
	ticketOp       string
	ticketCreator  string
	ticketParent   string

	listStatus []string
	listTeam   string
	listOp     string
	listLimit  int

	replyAuthor  string
	actionReason string
	exportOutput string
)

var ticketCmd = &cobra.Command{
	Use:     "ticket",
	Aliases: []string{"tickets", "t"},
	Short:   "Create and manage tickets",
}

var ticketCreateCmd = &cobra.Command{
	Use:   "create <title...>",
	Short: "Submit a ticket",
	Long: `Submit a ticket. It is scored by the clarity gate straight away:
clear tickets are queued, vague ones get a clarification request you can
answer with 'switchboard ticket reply'.

Examples:
  switchboard ticket create "Fix login redirect" --body "After SSO the user lands on /404"
  switchboard ticket create "Plan Q3 migration" --op plan --priority P1`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTicketCreate,
}

var ticketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets",
	RunE:  runTicketList,
}

var ticketShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a ticket and its conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketShow,
}

var ticketReplyCmd = &cobra.Command{
	Use:   "reply <id> <body...>",
	Short: "Reply to a ticket",
	Long: `Add a reply to a ticket. A user reply on an open ticket re-runs the
clarity gate, which may queue it.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runTicketReply,
}

var ticketExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a ticket with its replies, runs and steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketExport,
}

var ticketImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a ticket bundle written by export",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketImport,
}

// actionCommand builds a lifecycle command that posts to /tickets/{id}/{action}.
func actionCommand(action, short string, withReason bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			t, err := c.Action(cmd.Context(), args[0], action, actionReason)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(t)
			}
			printStatus("✓", fmt.Sprintf("#%d %s is now %s", t.Number, t.ID, styleStatus(t.Status)), color.FgGreen)
			return nil
		},
	}
	if withReason {
		cmd.Flags().StringVar(&actionReason, "reason", "", "Reason recorded in the audit log")
	}
	return cmd
}

func init() {
	ticketCreateCmd.Flags().StringVarP(&ticketBody, "body", "b", "", "Ticket body")
	ticketCreateCmd.Flags().StringVarP(&ticketPriority, "priority", "p", "", "Priority: P1, P2 or P3 (default P2)")
	ticketCreateCmd.Flags().StringVar(&ticketOp, "op", "", "Operation type (default: detected)")
	ticketCreateCmd.Flags().StringVar(&ticketCreator, "creator", os.Getenv("USER"), "Creator recorded on the ticket")
	ticketCreateCmd.Flags().StringVar(&ticketParent, "parent", "", "Parent ticket ID")

	ticketListCmd.Flags().StringSliceVarP(&listStatus, "status", "s", nil, "Filter by status (repeatable or comma separated)")
	ticketListCmd.Flags().StringVar(&listTeam, "team", "", "Filter by assigned team")
	ticketListCmd.Flags().StringVar(&listOp, "op", "", "Filter by operation type")
	ticketListCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Maximum tickets to list")

	ticketReplyCmd.Flags().StringVar(&replyAuthor, "author", string(models.AuthorUser), "Reply author: user, agent or system")

	ticketExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write the bundle to a file instead of stdout")

	ticketCmd.AddCommand(ticketCreateCmd, ticketListCmd, ticketShowCmd, ticketReplyCmd, ticketExportCmd, ticketImportCmd)
	ticketCmd.AddCommand(
		actionCommand("retry", "Retry a failed or escalated ticket", false),
		actionCommand("reopen", "Reopen a resolved ticket", false),
		actionCommand("hold", "Put a ticket on hold", true),
		actionCommand("resume", "Resume a held ticket", false),
		actionCommand("escalate", "Escalate a ticket to a human", true),
		actionCommand("resolve", "Accept a ticket waiting in review", true),
		actionCommand("requeue", "Send a ticket in review back for another run", true),
	)
}

func runTicketCreate(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	t, ev, err := c.CreateTicket(cmd.Context(), client.NewTicket{
		Title:         strings.Join(args, " "),
		Body:          ticketBody,
		Priority:      ticketPriority,
		OperationType: ticketOp,
		Creator:       ticketCreator,
		ParentID:      ticketParent,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"ticket": t, "clarity": ev})
	}

	printStatus("✓", fmt.Sprintf("Created #%d %s", t.Number, t.ID), color.FgGreen)
	printEvaluation(ev)
	field("Status", styleStatus(t.Status))
	if t.AssignedQueue != "" {
		field("Queue", string(t.AssignedQueue))
	}
	return nil
}

func printEvaluation(ev clarity.Evaluation) {
	attr := color.FgGreen
	switch ev.Decision {
	case clarity.DecisionProceedFlagged:
		attr = color.FgYellow
	case clarity.DecisionClarify, clarity.DecisionEscalate:
		attr = color.FgRed
	}
	field("Clarity", color.New(attr).Sprintf("%d/100 (%s)", ev.Score, ev.Decision))
	if ev.Request != "" {
		fmt.Println()
		fmt.Println(ev.Request)
		fmt.Println()
	}
}

func runTicketList(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	tickets, err := c.ListTickets(cmd.Context(), client.ListOptions{
		Status:        listStatus,
		Team:          listTeam,
		OperationType: listOp,
		Limit:         listLimit,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(tickets)
	}
	if len(tickets) == 0 {
		fmt.Println("No tickets.")
		return nil
	}

	rows := make([][]string, 0, len(tickets))
	for _, t := range tickets {
		rows = append(rows, []string{
			"#" + strconv.FormatInt(t.Number, 10),
			truncate(t.Title, 48),
			styleStatus(t.Status),
			t.Priority.String(),
			string(t.OperationType),
			string(t.AssignedQueue),
			strconv.Itoa(t.ClarityScore),
			formatAge(t.UpdatedAt),
		})
	}
	fmt.Println(renderTable([]string{"#", "Title", "Status", "Pri", "Op", "Queue", "Clarity", "Updated"}, rows))
	return nil
}

func runTicketShow(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	t, err := c.GetTicket(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	replies, err := c.Replies(cmd.Context(), t.ID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"ticket": t, "replies": replies})
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("#%d %s", t.Number, t.Title)))
	field("ID", t.ID)
	field("Status", fmt.Sprintf("%s (%s)", styleStatus(t.Status), t.ProcessingStatus))
	field("Priority", t.Priority.String())
	if t.OperationType != "" {
		field("Operation", string(t.OperationType))
	}
	if t.AssignedQueue != "" {
		field("Queue", string(t.AssignedQueue))
	}
	field("Clarity", fmt.Sprintf("%d after %d rounds", t.ClarityScore, t.ClarificationRounds))
	if t.FlaggedReview {
		field("Review", "flagged")
	}
	if t.FailedRuns > 0 || t.VerificationAttempts > 0 {
		field("Attempts", fmt.Sprintf("%d failed runs, %d verifications", t.FailedRuns, t.VerificationAttempts))
	}
	if t.LastError != "" {
		field("Last error", color.RedString(t.LastError))
	}
	field("Created", fmt.Sprintf("%s ago", formatAge(t.CreatedAt)))
	if t.Body != "" {
		fmt.Println()
		fmt.Println(t.Body)
	}

	if len(replies) > 0 {
		fmt.Println()
		fmt.Println(headerStyle.Render("Conversation"))
		for _, r := range replies {
			head := fmt.Sprintf("%s, %s ago", r.Author, formatAge(r.CreatedAt))
			if r.ClarityScore != nil {
				head += fmt.Sprintf(", clarity %d", *r.ClarityScore)
			}
			fmt.Println(dimStyle.Render(head))
			fmt.Println(r.Body)
			fmt.Println()
		}
	}
	return nil
}

func runTicketReply(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	reply, ev, err := c.AddReply(cmd.Context(), args[0], replyAuthor, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"reply": reply, "clarity": ev})
	}
	printStatus("✓", "Reply added", color.FgGreen)
	if ev != nil {
		printEvaluation(*ev)
	}
	return nil
}

func runTicketExport(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	bundle, err := c.Export(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if exportOutput == "" {
		return printJSON(bundle)
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(exportOutput, data, 0644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	printStatus("✓", fmt.Sprintf("Exported #%d to %s (%d replies, %d runs)",
		bundle.Ticket.Number, exportOutput, len(bundle.Replies), len(bundle.Runs)), color.FgGreen)
	return nil
}

func runTicketImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	var bundle state.TicketBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("parse bundle: %w", err)
	}
	c, err := apiClient()
	if err != nil {
		return err
	}
	t, err := c.Import(cmd.Context(), &bundle)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(t)
	}
	printStatus("✓", fmt.Sprintf("Imported #%d %s (%s)", t.Number, t.ID, styleStatus(t.Status)), color.FgGreen)
	return nil
}

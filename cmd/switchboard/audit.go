package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/client"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

var (
	auditTicket string
	auditAgent  string
	auditAction string
	auditLimit  int
	auditFollow bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the activity trail",
	Long: `Show audit entries in sequence order. Every status change, gate
decision, dispatch, verification and supervisor action is recorded.

Examples:
  switchboard audit --ticket 3f2a...     # One ticket's history
  switchboard audit --agent boss -f      # Follow the supervisor`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditTicket, "ticket", "", "Filter by ticket ID")
	auditCmd.Flags().StringVar(&auditAgent, "agent", "", "Filter by agent name")
	auditCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action")
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 100, "Maximum entries per page")
	auditCmd.Flags().BoolVarP(&auditFollow, "follow", "f", false, "Keep polling for new entries")
}

func runAudit(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	opts := client.AuditOptions{
		TicketID: auditTicket,
		Agent:    auditAgent,
		Action:   auditAction,
		Limit:    auditLimit,
	}

	ctx := cmd.Context()
	for {
		entries, err := c.Audit(ctx, opts)
		if err != nil {
			return err
		}
		for _, e := range entries {
			printAuditEntry(e)
			opts.AfterSeq = e.Seq
		}
		if !auditFollow {
			return nil
		}
		if len(entries) == opts.Limit {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func printAuditEntry(e models.AuditEntry) {
	if jsonOutput {
		_ = printJSON(e)
		return
	}
	ticket := ""
	if e.TicketID != "" {
		ticket = " " + dimStyle.Render(truncate(e.TicketID, 12))
	}
	fmt.Printf("%s %s%s %s %s\n",
		dimStyle.Render(fmt.Sprintf("%6d %s", e.Seq, e.CreatedAt.Local().Format("01-02 15:04:05"))),
		labelStyle.Render(e.Agent),
		ticket,
		headerStyle.Render(e.Action),
		e.Detail,
	)
}

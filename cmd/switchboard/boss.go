package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/signals"
)

var bossCmd = &cobra.Command{
	Use:   "boss",
	Short: "Inspect and control the supervisor",
	RunE:  runBossStatus,
}

var bossStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the supervisor state and last cycle",
	RunE:  runBossStatus,
}

var bossWakeCmd = &cobra.Command{
	Use:   "wake",
	Short: "Run a supervisor cycle now",
	Long: `Cut the supervisor's idle countdown short. The request goes to the
API; when the server cannot be reached a wake file is dropped in the
signal directory instead.`,
	RunE: runBossWake,
}

var bossPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause supervisor cycles",
	Long:  `Create the pause file in the signal directory. Cycles are skipped until 'switchboard boss resume'. Running pipelines are not interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := signalDir()
		if err != nil {
			return err
		}
		if err := signals.SendPause(dir); err != nil {
			return err
		}
		printStatus("✓", "Supervisor paused", color.FgYellow)
		return nil
	},
}

var bossResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume supervisor cycles",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := signalDir()
		if err != nil {
			return err
		}
		if err := signals.ClearPause(dir); err != nil {
			return err
		}
		printStatus("✓", "Supervisor resumed", color.FgGreen)
		return nil
	},
}

func init() {
	bossCmd.AddCommand(bossStatusCmd, bossWakeCmd, bossPauseCmd, bossResumeCmd)
}

func signalDir() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Signals.Dir, nil
}

func runBossStatus(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	st, err := c.Boss(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(st)
	}

	state := string(st.State)
	if st.Paused {
		state += color.YellowString(" (paused)")
	}
	field("State", state)
	field("Cycles", fmt.Sprintf("%d", st.Cycles))
	if st.NextCycleAt != nil {
		field("Next cycle", fmt.Sprintf("in %s", time.Until(*st.NextCycleAt).Round(time.Second)))
	}
	armed := "armed"
	if !st.AlertArmed {
		armed = color.RedString("fired, waiting for recovery")
	}
	field("Escalation alert", armed)

	r := st.LastReport
	if r == nil {
		return nil
	}
	fmt.Println()
	fmt.Println(headerStyle.Render(fmt.Sprintf("Cycle %d, %s ago", r.Cycle, formatAge(r.StartedAt))))
	field("Dispatched", fmt.Sprintf("%d (%d pending)", r.Dispatched, r.Pending))
	field("Escalation candidates", fmt.Sprintf("%d", r.Candidates))
	if len(r.Overloaded) > 0 {
		teams := make([]string, len(r.Overloaded))
		for i, t := range r.Overloaded {
			teams[i] = string(t)
		}
		field("Overloaded", color.YellowString(strings.Join(teams, ", ")))
	}
	if len(r.Stuck) > 0 {
		field("Stuck", color.YellowString(strings.Join(r.Stuck, ", ")))
	}
	for _, m := range r.Moves {
		fmt.Printf("  %s %d slot(s) %s -> %s: %s\n", m.Kind, m.Slots, m.From, m.To, m.Reason)
	}
	for _, e := range r.Errors {
		fmt.Printf("  %s\n", color.RedString(e))
	}
	return nil
}

func runBossWake(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	apiErr := c.WakeBoss(cmd.Context())
	if apiErr == nil {
		printStatus("✓", "Supervisor woken", color.FgGreen)
		return nil
	}
	printStatus("⚠", fmt.Sprintf("API unavailable (%v), using the signal directory", apiErr), color.FgYellow)
	dir, err := signalDir()
	if err != nil {
		return err
	}
	if err := signals.SendWake(dir); err != nil {
		return err
	}
	printStatus("✓", "Wake signal sent", color.FgGreen)
	return nil
}

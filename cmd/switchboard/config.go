package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show configuration",
	Long: `Show the effective configuration after merging defaults, the user
config, the project config and SWITCHBOARD_* environment variables.

With a key, print only that value.

User config lives at ~/.config/switchboard/config.yaml. Project overrides
go in .switchboard.yaml in the working directory or any parent.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		values := configValues(cfg)
		if len(args) == 1 {
			v, ok := values[strings.ToLower(args[0])]
			if !ok {
				return fmt.Errorf("unknown configuration key: %s", args[0])
			}
			fmt.Println(v)
			return nil
		}
		if jsonOutput {
			return printJSON(values)
		}
		displayAllConfig(values)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show which config files are read",
	Run: func(cmd *cobra.Command, args []string) {
		field("User", config.GetUserConfigPath())
		project := config.GetProjectConfigPath()
		if project == "" {
			project = "(none)"
		}
		field("Project", project)
	},
}

func init() {
	configCmd.AddCommand(configPathCmd)
}

// configValues flattens cfg into dot-notation keys. Secrets are masked.
func configValues(cfg *config.Config) map[string]string {
	out := map[string]string{
		"store.path":                      cfg.Store.Path,
		"store.driver":                    cfg.Store.Driver,
		"server.addr":                     cfg.Server.Addr,
		"log.level":                       cfg.Log.Level,
		"log.format":                      cfg.Log.Format,
		"clarity.auto_resolve_threshold":  fmt.Sprint(cfg.Clarity.AutoResolveThreshold),
		"clarity.clarification_threshold": fmt.Sprint(cfg.Clarity.ClarificationThreshold),
		"clarity.max_rounds":              fmt.Sprint(cfg.Clarity.MaxRounds),
		"queue.rebalance_cooldown":        cfg.Queue.RebalanceCooldown.String(),
		"orchestrator.max_ticket_retries": fmt.Sprint(cfg.Orchestrator.MaxTicketRetries),
		"orchestrator.step_timeout":       cfg.Orchestrator.StepTimeout.String(),
		"orchestrator.step_attempts":      fmt.Sprint(cfg.Orchestrator.StepAttempts),
		"orchestrator.step_backoff":       cfg.Orchestrator.StepBackoff.String(),
		"verification.max_retries":        fmt.Sprint(cfg.Verification.MaxRetries),
		"verification.pass_threshold":     fmt.Sprint(cfg.Verification.PassThreshold),
		"verification.coverage_threshold": fmt.Sprint(cfg.Verification.CoverageThreshold),
		"boss.interval":                   cfg.Boss.Interval.String(),
		"boss.overload_threshold":         fmt.Sprint(cfg.Boss.OverloadThreshold),
		"boss.stuck_phase_minutes":        fmt.Sprint(cfg.Boss.StuckPhaseMinutes),
		"boss.escalation_threshold":       fmt.Sprint(cfg.Boss.EscalationThreshold),
		"hierarchy.definition_file":       cfg.Hierarchy.DefinitionFile,
		"hierarchy.retry_budget":          fmt.Sprint(cfg.Hierarchy.RetryBudget),
		"anthropic.api_key":               config.MaskSecret(cfg.Anthropic.APIKey),
		"anthropic.key_source":            string(config.GetAPIKeySource(cfg)),
		"anthropic.model":                 cfg.Anthropic.Model,
		"anthropic.max_tokens":            fmt.Sprint(cfg.Anthropic.MaxTokens),
		"anthropic.use_bedrock":           fmt.Sprint(cfg.Anthropic.UseBedrock),
		"redis.addr":                      cfg.Redis.Addr,
		"redis.stream":                    cfg.Redis.Stream,
		"slack.webhook_url":               config.MaskSecret(cfg.Slack.WebhookURL),
		"slack.channel":                   cfg.Slack.Channel,
		"signals.dir":                     cfg.Signals.Dir,
		"maintenance.digest_schedule":     cfg.Maintenance.DigestSchedule,
		"protect.enabled":                 fmt.Sprint(cfg.Protect.Enabled),
		"protect.patterns":                strings.Join(cfg.Protect.Patterns, ","),
		"protect.keywords":                strings.Join(cfg.Protect.Keywords, ","),
		"protect.file_types":              strings.Join(cfg.Protect.FileTypes, ","),
	}
	for team, n := range cfg.Queue.Slots {
		out["queue.slots."+team] = fmt.Sprint(n)
	}
	for role, rc := range cfg.Agents.Roles {
		if rc.Model != "" {
			out["agents.roles."+role+".model"] = rc.Model
		}
		if len(rc.Permissions) > 0 {
			out["agents.roles."+role+".permissions"] = strings.Join(rc.Permissions, ",")
		}
	}
	return out
}

// displayAllConfig prints every value sorted by key.
func displayAllConfig(values map[string]string) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := values[k]
		if v == "" {
			v = dimStyle.Render("(not set)")
		}
		fmt.Printf("%s: %s\n", k, v)
	}
}

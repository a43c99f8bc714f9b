package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/config"
	"github.com/ShayCichocki/switchboard/internal/hierarchy"
	"github.com/ShayCichocki/switchboard/internal/state"
)

var (
	initForce    bool
	initWithTree bool
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Set up a switchboard project",
	Long: `Prepare a directory for switchboard:
  - Writes a .switchboard.yaml project config template
  - Creates and migrates the ticket database
  - Creates the signal directory
  - Checks for Anthropic credentials

Examples:
  switchboard init               # Current directory
  switchboard init --with-tree   # Also write tree.yaml with the default hierarchy
  switchboard init --force       # Overwrite an existing .switchboard.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
	initCmd.Flags().BoolVar(&initWithTree, "with-tree", false, "Write the default tree definition to tree.yaml")
}

const projectConfigTemplate = `# Switchboard project configuration.
# Values here override ~/.config/switchboard/config.yaml and are
# overridden by SWITCHBOARD_* environment variables.

server:
  addr: 127.0.0.1:8420

store:
  path: %s

clarity:
  auto_resolve_threshold: 85
  clarification_threshold: 70
  max_rounds: 5

queue:
  slots:
    orchestrator: 1
    planning: 2
    verification: 2
    coding_director: 3
  rebalance_cooldown: 1m

boss:
  interval: 5m
  overload_threshold: 20
  stuck_phase_minutes: 30
  escalation_threshold: 5

hierarchy:
  definition_file: %s

anthropic:
  # api_key: ${ANTHROPIC_API_KEY}
  model: claude-sonnet-4-20250514

# redis:
#   addr: 127.0.0.1:6379
#   stream: switchboard:events

# slack:
#   webhook_url: ${SLACK_WEBHOOK_URL}

maintenance:
  digest_schedule: "@daily"

# Tickets that mention matching paths are flagged for review.
protect:
  enabled: true
  # patterns: ["**/billing/**"]
  # keywords: [ledger]
  # file_types: [".pgpass"]
`

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}
	fmt.Printf("Initializing switchboard in %s...\n\n", absPath)

	dataDir := filepath.Join(absPath, ".switchboard")
	dbPath := filepath.Join(dataDir, "switchboard.db")

	treeFile := ""
	if initWithTree {
		treeFile = filepath.Join(absPath, "tree.yaml")
		if err := writeDefaultTree(treeFile); err != nil {
			return err
		}
	}

	cfgPath := filepath.Join(absPath, ".switchboard.yaml")
	if _, err := os.Stat(cfgPath); err == nil && !initForce {
		printStatus("⚠", ".switchboard.yaml exists (use --force to overwrite)", color.FgYellow)
	} else {
		content := fmt.Sprintf(projectConfigTemplate, quoteYAML(dbPath), quoteYAML(treeFile))
		if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
			return fmt.Errorf("write project config: %w", err)
		}
		printStatus("✓", "Created .switchboard.yaml", color.FgGreen)
	}

	if err := os.MkdirAll(filepath.Join(dataDir, "signals"), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	printStatus("✓", fmt.Sprintf("Database ready at %s", dbPath), color.FgGreen)

	cfg, err := config.LoadFromPath(cfgPath)
	if err != nil {
		printStatus("✗", fmt.Sprintf("Config does not load: %v", err), color.FgRed)
		return err
	}
	switch src := config.GetAPIKeySource(cfg); src {
	case config.KeySourceNone:
		printStatus("⚠", "No Anthropic credentials (agent steps will echo their prompts)", color.FgYellow)
	default:
		printStatus("✓", fmt.Sprintf("Anthropic credentials from %s", src), color.FgGreen)
	}

	fmt.Printf("\n%s Switchboard initialization complete!\n\n", color.GreenString("✓"))
	fmt.Println("Next steps:")
	fmt.Println("  switchboard serve")
	fmt.Println(`  switchboard ticket create "Describe the work" --body "..."`)
	return nil
}

func writeDefaultTree(path string) error {
	if _, err := os.Stat(path); err == nil && !initForce {
		printStatus("⚠", "tree.yaml exists (use --force to overwrite)", color.FgYellow)
		return nil
	}
	def, err := hierarchy.DefaultDefinition()
	if err != nil {
		return err
	}
	data, err := def.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write tree definition: %w", err)
	}
	printStatus("✓", "Created tree.yaml with the default hierarchy", color.FgGreen)
	return nil
}

func quoteYAML(s string) string {
	return fmt.Sprintf("%q", s)
}

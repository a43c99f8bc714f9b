package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/hierarchy"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

var treeDepth int

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Inspect and rebuild the agent hierarchy",
}

var treeShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the agent tree",
	RunE:  runTreeShow,
}

var treeBuildCmd = &cobra.Command{
	Use:   "build [definition.yaml]",
	Short: "Replace the tree from a YAML definition",
	Long: `Replace the agent tree. With no file the built-in default definition
is used. The definition is validated locally before it is sent, and the
server checks that every operation in the dispatch table still routes to
a node in the new tree.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTreeBuild,
}

var treeRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the tree from its current definition",
	Long:  `Discard node state (conversations, tokens, retries) and rebuild the tree from the definition it was built with.`,
	RunE:  runTreeRebuild,
}

var treeResetCmd = &cobra.Command{
	Use:   "reset <node>",
	Short: "Return an escalated or stuck node to idle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		n, err := c.ResetNode(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(n)
		}
		printStatus("✓", fmt.Sprintf("Reset %s", n.Name), color.FgGreen)
		return nil
	},
}

var treeDefaultCmd = &cobra.Command{
	Use:   "default",
	Short: "Print the built-in tree definition as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := hierarchy.DefaultDefinition()
		if err != nil {
			return err
		}
		data, err := def.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	treeShowCmd.Flags().IntVar(&treeDepth, "depth", int(models.MaxLevel), "Deepest level to print (0 is the boss)")
	treeCmd.AddCommand(treeShowCmd, treeBuildCmd, treeRebuildCmd, treeResetCmd, treeDefaultCmd)
}

func runTreeShow(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	tree, err := c.Tree(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(tree)
	}

	byID := make(map[string]models.AgentTreeNode, len(tree.Nodes))
	children := make(map[string][]string)
	for _, n := range tree.Nodes {
		byID[n.ID] = n
		if n.ParentID != "" {
			children[n.ParentID] = append(children[n.ParentID], n.ID)
		}
	}
	for _, ids := range children {
		sort.Slice(ids, func(i, j int) bool { return byID[ids[i]].Name < byID[ids[j]].Name })
	}

	var walk func(id string, depth int)
	walk = func(id string, depth int) {
		n := byID[id]
		if int(n.Level) > treeDepth {
			return
		}
		line := fmt.Sprintf("%s%s %s", strings.Repeat("  ", depth), n.Name, dimStyle.Render("("+n.Level.String()+")"))
		if n.Status != "" && n.Status != models.NodeStatusIdle {
			line += " " + color.YellowString(string(n.Status))
		}
		if n.TokensConsumed > 0 {
			line += dimStyle.Render(fmt.Sprintf(" %d tokens", n.TokensConsumed))
		}
		fmt.Println(line)
		for _, child := range children[id] {
			walk(child, depth+1)
		}
	}
	if tree.Root == "" {
		fmt.Println("Tree is empty.")
		return nil
	}
	walk(tree.Root, 0)
	fmt.Println(dimStyle.Render(fmt.Sprintf("%d nodes", tree.Count)))
	return nil
}

func runTreeBuild(cmd *cobra.Command, args []string) error {
	var data []byte
	if len(args) == 1 {
		var err error
		if data, err = os.ReadFile(args[0]); err != nil {
			return fmt.Errorf("read definition: %w", err)
		}
		if _, err := hierarchy.ParseDefinition(data); err != nil {
			return err
		}
	}
	c, err := apiClient()
	if err != nil {
		return err
	}
	n, err := c.BuildTree(cmd.Context(), data)
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Built agent tree with %d nodes", n), color.FgGreen)
	return nil
}

func runTreeRebuild(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	n, err := c.RebuildTree(cmd.Context())
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Rebuilt agent tree with %d nodes", n), color.FgGreen)
	return nil
}

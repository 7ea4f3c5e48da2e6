package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fnforge/fnforge/internal/classify"
	"github.com/fnforge/fnforge/internal/config"
	"github.com/fnforge/fnforge/internal/registry"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the functions discovered in the source directory",
	RunE:  runDiscover,
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	cls := classify.New(cfg.AbsSourceDir(), cfg.AbsInitModule(), cfg.Functions.Ignore, cfg.Functions.Only)
	reg := registry.New(cfg.AbsSourceDir(), cls)

	set, err := reg.Discover()
	if err != nil {
		return err
	}

	if len(set) == 0 {
		fmt.Printf("No functions found in %s\n", cfg.Functions.SourceDir)
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Source"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, fn := range set {
		rel, err := filepath.Rel(cfg.WorkDir, fn.SourcePath)
		if err != nil {
			rel = fn.SourcePath
		}
		table.Append([]string{fn.Name, rel})
	}
	table.Render()

	return nil
}

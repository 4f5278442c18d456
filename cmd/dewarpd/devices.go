package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lanikai/dewarp"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices and their frame sizes",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		manager, err := dewarp.NewManager(cfg.Backend, cfg.Device)
		if err != nil {
			return err
		}

		ids, err := manager.Devices()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No capture devices found")
			return nil
		}
		for _, id := range ids {
			info, err := manager.Capabilities(id)
			if err != nil {
				log.Warn("%s: %v", id, err)
				continue
			}
			sizes := make([]string, len(info.Sizes))
			for i, s := range info.Sizes {
				sizes[i] = s.String()
			}
			fmt.Printf("%-14s %-24s %s\n", id, info.Name, strings.Join(sizes, " "))
		}
		return nil
	},
}

package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pop-os/muff/internal/config"
	"github.com/pop-os/muff/internal/device"
	"github.com/pop-os/muff/internal/image"
	"github.com/pop-os/muff/internal/store"
)

// listCmd prints the removable USB disks muff would flash with --all.
func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List detected removable USB drives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}

			disks, err := device.USBDisks()
			if err != nil {
				return err
			}
			if len(disks) == 0 {
				fmt.Println("no USB disks detected")
				return nil
			}

			timeout := time.Duration(cfg.SysfsTimeoutMS) * time.Millisecond
			for _, path := range disks {
				label, size := "", ""
				if blk, err := device.NewBlock(path, timeout); err == nil {
					label = blk.Label()
					size = humanize.IBytes(blk.Sectors() * 512)
				}
				fmt.Printf("%-20s %-10s %s\n", path, size, label)
			}
			return nil
		},
	}
}

func hashCmd() *cobra.Command {
	var algorithm string

	cmd := &cobra.Command{
		Use:   "hash IMAGE",
		Short: "Print a digest of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := image.Checksum(args[0], algorithm)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s\n", sum, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&algorithm, "algorithm", "sha256", "digest to compute: md5, sha1 or sha256")
	return cmd
}

// historyCmd lists recent flash runs from the local journal.
func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent flash runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}

			if cfg.History.Path == "" {
				fmt.Println("no history configured")
				return nil
			}

			s, err := store.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer s.Close()

			runs, err := s.Recent(limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no recorded runs")
				return nil
			}

			for _, r := range runs {
				line := fmt.Sprintf("%s  %-7s  %s (%s) -> %d drives",
					r.StartedAt.Format("2006-01-02 15:04"), r.Status,
					r.Image, humanize.IBytes(r.ImageSize), len(r.Targets))
				if r.Error != "" {
					line += "  " + r.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to show")
	return cmd
}

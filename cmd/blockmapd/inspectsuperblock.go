package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/arboreal-systems/blockmap/superblock"
)

func newInspectSuperBlockCmd() *cobra.Command {
	var sectorOffset int64

	cmd := &cobra.Command{
		Use:   "inspect-superblock",
		Short: "Decode and print a super block's header (C7)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrapf(err, "blockmapd: opening %s", args[0])
			}
			defer f.Close()

			buf := make([]byte, superblock.SectorSize)
			if _, err := f.ReadAt(buf, sectorOffset); err != nil {
				return errors.Wrapf(err, "blockmapd: reading sector at offset %d", sectorOffset)
			}

			info, err := superblock.Inspect(buf)
			if err != nil {
				return err
			}
			fmt.Printf("id=%#x version=%d.%d size=%d payload_len=%d\n", info.ID, info.Major, info.Minor, info.Size, info.PayloadLen)
			return nil
		},
	}

	cmd.Flags().Int64Var(&sectorOffset, "offset", 0, "byte offset of the super-block sector within the file")
	return cmd
}

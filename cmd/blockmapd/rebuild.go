package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arboreal-systems/blockmap/metrics"
	"github.com/arboreal-systems/blockmap/page"
	"github.com/arboreal-systems/blockmap/rebuild"
)

func newRebuildCmd() *cobra.Command {
	var (
		imagePath    string
		refcountPath string
		depotLow     uint64
		depotHigh    uint64
		cacheSize    int
	)

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Drive the reference-count rebuild (C6) standalone against a device image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cacheSize == 0 {
				cacheSize = cfg.CacheSizeInBlocks
			}

			forest, entryCount, err := openFileForest(imagePath)
			if err != nil {
				return err
			}
			defer forest.close()

			depot, err := openFileSlabDepot(refcountPath, page.PBN(depotLow), page.PBN(depotHigh))
			if err != nil {
				return err
			}
			defer depot.close()

			logger := newLogger()
			m := metrics.NewNopZone()
			r := rebuild.New(forest, depot, forest, cacheSize, logger, m)

			used, err := r.Run(context.Background(), cfg.RootCount-1, forest.treeHeight, forest.leafPages, entryCount)
			if err != nil {
				return err
			}
			fmt.Printf("rebuild complete: logical_blocks_used=%d\n", used)
			return nil
		},
	}

	cmd.Flags().StringVar(&imagePath, "image", "", "path to the block-map tree image file (required)")
	cmd.Flags().StringVar(&refcountPath, "refcounts", "", "path to the reference-count file (created if absent, required)")
	cmd.Flags().Uint64Var(&depotLow, "depot-low", 0, "lowest PBN the slab depot covers")
	cmd.Flags().Uint64Var(&depotHigh, "depot-high", 1<<20, "exclusive upper PBN the slab depot covers")
	cmd.Flags().IntVar(&cacheSize, "cache-size", 0, "override config cache_size_in_blocks for the worker-count bound")
	cmd.MarkFlagRequired("image")
	cmd.MarkFlagRequired("refcounts")

	return cmd
}

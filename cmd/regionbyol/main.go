package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cyclopcam/logs"
	"github.com/setanarut/regionbyol/augment"
	"github.com/setanarut/regionbyol/cluster"
	"github.com/setanarut/regionbyol/config"
	"github.com/setanarut/regionbyol/dataset"
	"github.com/setanarut/regionbyol/segment"
	"github.com/setanarut/regionbyol/trainer"
	"github.com/setanarut/regionbyol/utils"
	"github.com/spf13/cobra"
)

func main() {
	if err := newCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCLI() *cobra.Command {
	root := &cobra.Command{
		Use:           "regionbyol",
		Short:         "Region-level self-supervised representation learning",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.PersistentFlags().String("config", "config.yaml", "YAML configuration file")
	root.AddCommand(newTrainCmd(), newCheckCmd(), newSegmentCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, logs.Log, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log, err := logs.NewLog()
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newTrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train the online and target encoders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.WorldSize > 1 && cfg.Cluster.Gather {
				return config.Errorf("cluster gather across %d processes needs an external collective", cfg.WorldSize)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			t, err := trainer.New(cfg, log, cluster.Local{})
			if err != nil {
				return err
			}
			if err := t.Run(ctx); err != nil {
				log.Errorf("training stopped: %v", err)
				return err
			}
			log.Infof("training finished after %v steps", t.Step())
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and push one sample through the pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ds, err := dataset.New(cfg, cfg.Data.Stage)
			if err != nil {
				return err
			}
			mv, err := augment.NewMultiView(cfg)
			if err != nil {
				return err
			}
			log.Infof("dataset: %v samples, features %+v", ds.Len(), cfg.Features())
			l := dataset.NewLoader(log, ds, dataset.NewSampler(ds.Len(), 1, 0, false, cfg.Seed), mv, 1, 1, cfg.Seed)
			v, err := l.Sample(0, 0)
			if err != nil {
				return err
			}
			for i := range v.Images {
				log.Infof("view %v: image %v mask %v record %+v", i, v.Images[i], v.Masks[i], v.Records[i])
			}
			log.Infof("overlap area %v px of %vx%v", v.OverlapArea, v.Width, v.Height)
			return nil
		},
	}
}

func newSegmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "segment IMAGE OUTPUT",
		Short: "Write the SLIC superpixels of an image as a PNG",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			segments, _ := cmd.Flags().GetInt("segments")
			compactness, _ := cmd.Flags().GetFloat64("compactness")
			render, _ := cmd.Flags().GetString("render")
			if segments < 0 {
				return config.Errorf("segments must not be negative, got %d", segments)
			}
			src, err := utils.ReadImage(args[0])
			if err != nil {
				return err
			}
			img := augment.ToRGBA(src)
			if segments == 0 {
				segments = segment.CountForSize(img.Rect.Size())
			}
			labels := segment.SLIC(img, segments, compactness)
			switch render {
			case "mean":
				return utils.SaveImage(utils.MeanColors(img, labels, 0), args[1])
			case "palette":
				palette := utils.RegionPalette(img, int(labels.MaxID())+1)
				utils.SortPaletteByBrightness(palette)
				return utils.SaveImage(utils.ColorizeLabels(labels, 0, palette), args[1])
			}
			return config.Errorf("unsupported render %q", render)
		},
	}
	cmd.Flags().Int("segments", 0, "Approximate number of superpixels; 0 derives it from the image size")
	cmd.Flags().Float64("compactness", segment.DefaultCompactness, "SLIC colour/space trade-off")
	cmd.Flags().String("render", "mean", "Output style: mean or palette")
	return cmd
}

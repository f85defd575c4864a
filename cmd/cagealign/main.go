// cagealign reads cage structures from XYZ files, aligns the whole collection
// into one consistent frame, and writes the aligned coordinates back out.
package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/SimonEnsemble/latent-cage-space/align"
	"github.com/SimonEnsemble/latent-cage-space/pointset"
)

var logger = golog.NewDevelopmentLogger("cagealign")

func main() {
	app := &cli.App{
		Name:  "cagealign",
		Usage: "align cage shape point sets into one consistent frame",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "YAML file with registration parameters",
			},
			&cli.StringFlag{
				Name:  "cache-dir",
				Usage: "directory for persisted pairwise registration results",
			},
			&cli.StringFlag{
				Name:  "out",
				Value: "aligned",
				Usage: "directory for aligned XYZ output",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "per-iteration EM diagnostics",
			},
		},
		ArgsUsage: "<structure.xyz>...",
		Action:    runAlign,
	}
	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

func loadConfig(path string, verbose bool) (align.Config, error) {
	cfg := align.DefaultConfig()
	if path != "" {
		//nolint:gosec
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "bad config file %q", path)
		}
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

func runAlign(c *cli.Context) error {
	if c.NArg() < 2 {
		return errors.New("need at least two structures to align")
	}
	cfg, err := loadConfig(c.String("config"), c.Bool("verbose"))
	if err != nil {
		return err
	}

	var cache align.ResultCache
	if dir := c.String("cache-dir"); dir != "" {
		cache, err = align.NewDirCache(dir)
		if err != nil {
			return err
		}
	}

	sets := make([]*pointset.PointSet, 0, c.NArg())
	for _, fn := range c.Args().Slice() {
		ps, err := pointset.NewFromXYZFile(fn, logger)
		if err != nil {
			return err
		}
		sets = append(sets, ps)
	}

	aligned, err := align.NewScheduler(cfg, cache, logger).AlignCollection(context.Background(), sets)
	if err != nil {
		return err
	}

	outDir := c.String("out")
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return err
	}
	for id, ps := range aligned {
		fn := filepath.Join(outDir, id+".xyz")
		if err := ps.WriteToXYZFile(fn); err != nil {
			return errors.Wrapf(err, "writing %q", fn)
		}
	}
	logger.Infof("wrote %d aligned structures to %s", len(aligned), outDir)
	return nil
}

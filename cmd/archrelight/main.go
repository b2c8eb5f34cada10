package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/replicate/go/logging"
	"github.com/replicate/go/must"
	"github.com/replicate/go/version"
	_ "go.uber.org/automaxprocs"

	"github.com/archrelight/archrelight/internal/config"
	"github.com/archrelight/archrelight/internal/inputs"
	"github.com/archrelight/archrelight/internal/pipeline"
	"github.com/archrelight/archrelight/internal/service"
)

var logger = logging.New("archrelight")

type EnhanceConfig struct {
	Image               string  `ff:"long: image, nodefault, usage: image file path or http(s) URL"`
	Preset              string  `ff:"long: preset, default: neutral_overcast, usage: lighting preset"`
	Strength            float64 `ff:"long: strength, default: 0.35, usage: relighting strength between 0 and 1"`
	PreserveComposition bool    `ff:"long: preserve-composition, default: true, usage: keep geometry close to the source"`
	Upscale             string  `ff:"long: upscale, default: none, usage: none or native or 1.5x or 2x or 4x"`
	Output              string  `ff:"long: output, nodefault, usage: write the JSON result to this file instead of stdout"`
}

func serveCommand(cfg *config.Config, parent *ff.FlagSet) *ff.Command {
	log := logger.Sugar()
	flags := ff.NewFlagSet("serve").SetParent(parent)

	return &ff.Command{
		Name:      "serve",
		Usage:     "archrelight serve [FLAGS]",
		ShortHelp: "run the enhance HTTP server",
		Flags:     flags,
		Exec: func(ctx context.Context, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			log.Infow("configuration",
				"host", cfg.Host,
				"port", cfg.Port,
				"depth_model", cfg.DepthModel,
				"synthesis_model", cfg.SynthesisModel,
				"upscale_model", cfg.UpscaleModel,
				"upscale_policy", cfg.UpscalePolicy,
				"redis", cfg.RedisURL != "",
			)
			svc := service.New(*cfg, logger)
			if err := svc.Initialize(ctx); err != nil {
				return err
			}
			err := svc.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func enhanceCommand(cfg *config.Config, parent *ff.FlagSet) *ff.Command {
	var ec EnhanceConfig
	flags := ff.NewFlagSet("enhance").SetParent(parent)
	must.Do(flags.AddStruct(&ec))

	return &ff.Command{
		Name:      "enhance",
		Usage:     "archrelight enhance --image PATH|URL [FLAGS]",
		ShortHelp: "relight one image and print the result",
		Flags:     flags,
		Exec: func(ctx context.Context, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			if ec.Image == "" {
				return fmt.Errorf("%w: --image is required", config.ErrConfiguration)
			}

			var image inputs.Source
			if strings.HasPrefix(ec.Image, "http://") || strings.HasPrefix(ec.Image, "https://") {
				image = inputs.URL(ec.Image)
			} else {
				f, err := os.Open(ec.Image)
				if err != nil {
					return err
				}
				defer f.Close()
				image = inputs.Stream(f)
			}

			req := pipeline.NewRequest(image)
			req.Preset = pipeline.ParsePreset(ec.Preset)
			req.Strength = ec.Strength
			req.PreserveComposition = ec.PreserveComposition
			up, err := pipeline.ParseUpscale(ec.Upscale)
			if err != nil {
				return err
			}
			req.Upscale = up

			orch, closeCache, err := service.NewOrchestrator(ctx, *cfg, logger)
			if err != nil {
				return err
			}
			defer closeCache()

			ctx, cancel := context.WithTimeout(ctx, cfg.PipelineTimeout)
			defer cancel()
			res, err := orch.Run(ctx, req)
			if err != nil {
				return err
			}

			bs, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			if ec.Output != "" {
				return os.WriteFile(ec.Output, append(bs, '\n'), 0o644)
			}
			_, err = fmt.Println(string(bs))
			return err
		},
	}
}

func main() {
	log := logger.Sugar()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnw("failed to load .env", "error", err)
	}

	var cfg config.Config
	flags := ff.NewFlagSet("archrelight")
	must.Do(flags.AddStruct(&cfg))

	cmd := &ff.Command{
		Name:  "archrelight",
		Usage: "archrelight <COMMAND> [FLAGS]",
		Flags: flags,
		Exec: func(ctx context.Context, args []string) error {
			return ff.ErrHelp
		},
		Subcommands: []*ff.Command{
			serveCommand(&cfg, flags),
			enhanceCommand(&cfg, flags),
		},
	}

	err := cmd.Parse(os.Args[1:], ff.WithEnvVars())
	switch {
	case errors.Is(err, ff.ErrHelp):
		must.Get(fmt.Fprintln(os.Stderr, ffhelp.Command(cmd.GetSelected())))
		os.Exit(1)
	case err != nil:
		log.Error(err)
		must.Get(fmt.Fprintln(os.Stderr, ffhelp.Command(cmd.GetSelected())))
		os.Exit(1)
	}
	cfg.ApplyDefaults()

	log.Infow("starting archrelight", "version", version.Version())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// serve drains in-flight requests on its own signal handling.
	if cmd.GetSelected().Name != "serve" {
		go func() {
			ch := make(chan os.Signal, 1)
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
			s := <-ch
			log.Infow("stopping archrelight", "signal", s)
			cancel()
		}()
	}
	if err := cmd.Run(ctx); err != nil {
		if errors.Is(err, ff.ErrHelp) {
			must.Get(fmt.Fprintln(os.Stderr, ffhelp.Command(cmd)))
		} else {
			log.Error(err)
		}
		cancel()
		os.Exit(1)
	}
	log.Info("completed normally")
}

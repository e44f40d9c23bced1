package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/sluiceproject/sluice/cmd/sluice/app"
	"github.com/sluiceproject/sluice/pkg/util/log"
)

const (
	configFileOption      = "config.file"
	configExpandEnvOption = "config.expand-env"
)

func main() {
	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.InitLogger(config.LogFormat, config.LogLevel)

	t, err := app.New(*config, logger)
	if err != nil {
		level.Error(logger).Log("msg", "error initialising sluice", "err", err)
		os.Exit(1)
	}

	level.Info(logger).Log("msg", "starting sluice", "target", config.Target)

	if err := t.Run(); err != nil {
		level.Error(logger).Log("msg", "error running sluice", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*app.Config, error) {
	var (
		configFile      string
		configExpandEnv bool
	)

	args := os.Args[1:]
	config := &app.Config{}

	// Pull the config file options out first so the file can be loaded
	// before the rest of the flags are parsed. Unknown flags are ignored
	// on this pass.
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)
	flag.CommandLine.StringVar(&configFile, configFileOption, "", "Configuration file to load.")
	flag.CommandLine.BoolVar(&configExpandEnv, configExpandEnvOption, false, "Expand ${var} or $var in config according to the values of the environment variables.")

	if configFile != "" {
		buff, err := os.ReadFile(configFile)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", configFile)
		}

		if configExpandEnv {
			s, err := envsubst.EvalEnv(string(buff))
			if err != nil {
				return nil, errors.Wrapf(err, "expanding env vars in config file %s", configFile)
			}
			buff = []byte(s)
		}

		if err := yaml.UnmarshalStrict(buff, config); err != nil {
			return nil, errors.Wrapf(err, "parsing config file %s", configFile)
		}
	}

	if err := app.ApplyEnvOverrides(config); err != nil {
		return nil, err
	}

	// Flags win over both the file and the environment.
	flag.Parse()

	return config, nil
}

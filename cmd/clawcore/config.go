package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/roelfdiedericks/clawcore/internal/config"
	. "github.com/roelfdiedericks/clawcore/internal/logging"
	"github.com/roelfdiedericks/clawcore/internal/paths"
)

// ConfigCmd groups config file helpers.
type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write a config file with the built-in defaults."`
	Show ConfigShowCmd `cmd:"" help:"Print the effective configuration."`
}

// ConfigInitCmd writes the defaults to a new config file.
type ConfigInitCmd struct {
	Path  string `arg:"" optional:"" help:"Destination (.json, .toml or .yaml). Defaults to ~/.clawcore/clawcore.json." type:"path"`
	Force bool   `help:"Overwrite an existing file (a backup is kept)."`
}

func (c *ConfigInitCmd) Run(cli *CLI) error {
	Init(nil)

	path := c.Path
	if path == "" {
		p, err := paths.DefaultConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".toml", ".yaml", ".yml":
	default:
		return fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}

	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := config.Save(path, config.Default()); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

// ConfigShowCmd prints the merged configuration as the loader sees it.
type ConfigShowCmd struct {
	Format string `default:"yaml" enum:"json,toml,yaml" help:"Output format (json, toml, yaml)."`
}

func (c *ConfigShowCmd) Run(cli *CLI) error {
	cfg, path, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if path == "" {
		path = "(defaults)"
	}

	tmp, err := os.MkdirTemp("", "clawcore-config-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	out := filepath.Join(tmp, "clawcore."+c.Format)
	if err := config.Save(out, cfg); err != nil {
		return err
	}
	data, err := os.ReadFile(out)
	if err != nil {
		return err
	}
	fmt.Printf("# source: %s\n%s", path, data)
	return nil
}

package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// applyConfigFile sets flags from a YAML map of flag names to values.
// Flags given on the command line keep their values.
func applyConfigFile(flags *pflag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}

	var values map[string]interface{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}

	for name, v := range values {
		f := flags.Lookup(name)
		if f == nil {
			return errors.Errorf("config %s: unknown option %q", path, name)
		}
		if f.Changed {
			continue
		}

		if err := flags.Set(name, fmt.Sprint(v)); err != nil {
			return errors.Wrapf(err, "config %s: option %q", path, name)
		}
	}

	return nil
}

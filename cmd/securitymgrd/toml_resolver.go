package main

import (
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/gravitational/trace"
	toml "github.com/pelletier/go-toml"
)

// TOML is the kong resolver function for this daemon's configuration file.
// A flag name is looked up as a flat top-level key first; failing that,
// every dash becomes a dot, so "self-bus-name" is also read from the
// table [self.bus] key "name".
func TOML(r io.Reader) (kong.Resolver, error) {
	config, err := toml.LoadReader(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var f kong.ResolverFunc = func(context *kong.Context, parent *kong.Path, flag *kong.Flag) (interface{}, error) {
		if v := config.Get(flag.Name); v != nil {
			return v, nil
		}
		return config.Get(strings.ReplaceAll(flag.Name, "-", ".")), nil
	}

	return f, nil
}

// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/devblok/dar/utility/dar"
)

func runList(args []string, env *environment) error {
	var verbose bool
	fs := newFlagSet("list", env, &verbose)
	positional, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	env.setVerbose(verbose)
	if len(positional) != 1 {
		return usageError("list: expected exactly one archive file")
	}

	ar, err := dar.OpenFile(positional[0], dar.WithReaderLogger(env.log))
	if err != nil {
		return err
	}
	defer ar.Close()

	tw := tabwriter.NewWriter(env.stdout, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "SIZE\tSTORED\tENC\t NAME")
	for _, e := range ar.Entries() {
		size := "?"
		if n, err := ar.Size(e); err == nil {
			size = fmt.Sprint(n)
		} else {
			env.log.WithError(err).WithField("name", e.Name).Warn("can't determine size")
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t %s\n", size, e.Size, e.Encoding, e.Name)
	}
	return tw.Flush()
}

// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command dar creates, lists and extracts dar archives.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

const usage = `Usage:
  dar pack <archive_file> [file ...] [--list-file <path>] [--compress] [--codec <name>] [--quiet]
  dar list <archive_file>
  dar extract <archive_file> <entry_name> <out_path>
  dar unpack <archive_file> [-o <dir>] [-e <entry> ...] [-j <workers>] [--quiet]

Every command accepts -v/--verbose for debug logging.
`

type command func(args []string, env *environment) error

var commands = map[string]command{
	"pack":    runPack,
	"list":    runList,
	"extract": runExtract,
	"unpack":  runUnpack,
}

// environment is what commands write to.
type environment struct {
	stdout io.Writer
	stderr io.Writer
	log    *log.Logger
}

func newEnvironment(stdout, stderr io.Writer) *environment {
	logger := log.New()
	logger.SetOutput(stderr)
	logger.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	return &environment{stdout: stdout, stderr: stderr, log: logger}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	env := newEnvironment(stdout, stderr)
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	cmd, ok := commands[args[0]]
	if !ok {
		if args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
			fmt.Fprint(stdout, usage)
			return 0
		}
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	if err := cmd(args[1:], env); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		if _, ok := err.(usageError); ok {
			fmt.Fprintf(stderr, "%v\n\n%s", err, usage)
			return 2
		}
		env.log.WithField("command", args[0]).Error(err)
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string {
	return string(e)
}

// newFlagSet creates the flag set shared by all commands.
func newFlagSet(name string, env *environment, verbose *bool) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	fs.BoolVar(verbose, "v", false, "Log debug output")
	fs.BoolVar(verbose, "verbose", false, "Log debug output")
	return fs
}

// parseArgs parses flags that may be mixed with positional arguments,
// as in "pack out.dar a.txt --compress". Everything after "--" is
// positional.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var rest []string
	for i, a := range args {
		if a == "--" {
			rest = args[i+1:]
			args = args[:i]
			break
		}
	}

	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
	return append(positional, rest...), nil
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func (env *environment) setVerbose(verbose bool) {
	if verbose {
		env.log.SetLevel(log.DebugLevel)
	}
}

// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/devblok/dar/utility/dar"
)

func runExtract(args []string, env *environment) error {
	var verbose bool
	fs := newFlagSet("extract", env, &verbose)
	positional, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	env.setVerbose(verbose)
	if len(positional) != 3 {
		return usageError("extract: expected archive file, entry name and output path")
	}
	archive, name, outPath := positional[0], positional[1], positional[2]

	ar, err := dar.OpenFile(archive, dar.WithReaderLogger(env.log))
	if err != nil {
		return err
	}
	defer ar.Close()

	r, err := ar.Open(name)
	if err != nil {
		return err
	}
	defer r.Close()

	if outPath == "-" {
		_, err := io.Copy(env.stdout, r)
		return err
	}
	return replaceFile(r, outPath)
}

// replaceFile decodes r into a temporary file next to path and renames
// it over path once the whole entry was written. path is left untouched
// on failure.
func replaceFile(r io.Reader, path string) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()
	if _, err := io.Copy(f, r); err != nil {
		return err
	}
	if err := f.Chmod(0o644); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// createFile copies r to a new file at path, creating parent directories.
// It fails with os.ErrExist when path exists. A partially written file
// is removed.
func createFile(r io.Reader, path string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()
	_, err = io.Copy(f, r)
	return err
}

type unpackConfig struct {
	output  string
	entries stringList
	jobs    int
	quiet   bool
	verbose bool
}

func runUnpack(args []string, env *environment) error {
	var cfg unpackConfig
	fs := newFlagSet("unpack", env, &cfg.verbose)
	fs.StringVar(&cfg.output, "o", "", "Output directory (default: archive path without extension, or with .extracted)")
	fs.StringVar(&cfg.output, "output", "", "Output directory (default: archive path without extension, or with .extracted)")
	fs.Var(&cfg.entries, "e", "Extract only this entry, may be repeated")
	fs.Var(&cfg.entries, "entry", "Extract only this entry, may be repeated")
	fs.IntVar(&cfg.jobs, "j", runtime.NumCPU(), "Number of files extracted in parallel")
	fs.BoolVar(&cfg.quiet, "q", false, "Do not show progress")
	fs.BoolVar(&cfg.quiet, "quiet", false, "Do not show progress")

	positional, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	env.setVerbose(cfg.verbose)
	if len(positional) != 1 {
		return usageError("unpack: expected exactly one archive file")
	}
	archive := positional[0]
	if cfg.output == "" {
		cfg.output = defaultOutputDir(archive)
	}

	ar, err := dar.OpenFile(archive, dar.WithReaderLogger(env.log))
	if err != nil {
		return err
	}
	defer ar.Close()

	entries, err := selectEntries(ar, cfg.entries)
	if err != nil {
		return err
	}
	return unpack(context.Background(), ar, entries, cfg, env)
}

// defaultOutputDir strips the archive's extension, or appends
// ".extracted" when there is none to strip.
func defaultOutputDir(archive string) string {
	if ext := filepath.Ext(archive); ext != "" {
		return strings.TrimSuffix(archive, ext)
	}
	return archive + ".extracted"
}

// selectEntries picks the named entries, or all of them. Names are
// unique in the result; a repeated name resolves to its first entry.
func selectEntries(ar *dar.Archive, names []string) ([]dar.IndexEntry, error) {
	var entries []dar.IndexEntry
	seen := map[string]bool{}
	if len(names) == 0 {
		for _, e := range ar.Entries() {
			if !seen[e.Name] {
				seen[e.Name] = true
				entries = append(entries, e)
			}
		}
		return entries, nil
	}

	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		e, ok := ar.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", dar.ErrNotFound, name)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func unpack(ctx context.Context, ar *dar.Archive, entries []dar.IndexEntry, cfg unpackConfig, env *environment) error {
	var mu sync.Mutex
	progress := func(format string, args ...interface{}) {
		if cfg.quiet {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(env.stdout, format, args...)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, cfg.jobs))
	for _, e := range entries {
		e := e // per-iteration copy; go.mod targets go1.21 (pre-1.22 loop semantics)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fields := log.Fields{"name": e.Name}
			if !filepath.IsLocal(filepath.FromSlash(e.Name)) {
				env.log.WithFields(fields).Warn("entry name is not a local path, skipping")
				return nil
			}
			path := filepath.Join(cfg.output, filepath.FromSlash(e.Name))

			r, err := ar.OpenEntry(e)
			if err != nil {
				return err
			}
			defer r.Close()

			err = createFile(r, path)
			if errors.Is(err, os.ErrExist) {
				env.log.WithFields(fields).WithField("path", path).Warn("file exists, skipping")
				return nil
			}
			if err != nil {
				return fmt.Errorf("extract %s: %w", e.Name, err)
			}
			progress("Extracting file\t%s to %s\n", e.Name, path)
			return nil
		})
	}
	return g.Wait()
}

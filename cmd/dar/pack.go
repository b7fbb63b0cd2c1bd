// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/devblok/dar/utility/dar"
)

type packConfig struct {
	listFile string
	compress bool
	codec    string
	level    int
	quiet    bool
	verbose  bool
}

// packSource is one file to archive: where to read it and its name in the archive.
type packSource struct {
	path string
	name string
}

func runPack(args []string, env *environment) error {
	var cfg packConfig
	fs := newFlagSet("pack", env, &cfg.verbose)
	fs.StringVar(&cfg.listFile, "list-file", "", "File containing list of files to be archived, one per line")
	fs.BoolVar(&cfg.compress, "c", false, "Compress files (deflate)")
	fs.BoolVar(&cfg.compress, "compress", false, "Compress files (deflate)")
	fs.StringVar(&cfg.codec, "codec", "", "Encoding for every file: plain, zlib, lz4 or zstd")
	fs.IntVar(&cfg.level, "level", dar.DefaultCompression, "Compression level")
	fs.BoolVar(&cfg.quiet, "q", false, "Do not show progress")
	fs.BoolVar(&cfg.quiet, "quiet", false, "Do not show progress")

	positional, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	env.setVerbose(cfg.verbose)
	if len(positional) == 0 {
		return usageError("pack: missing archive file")
	}
	archive := positional[0]

	enc, err := cfg.encoding()
	if err != nil {
		return err
	}

	sources := make([]packSource, 0, len(positional)-1)
	for _, p := range positional[1:] {
		sources = append(sources, packSource{path: p, name: filepath.ToSlash(p)})
	}
	if cfg.listFile != "" {
		listed, err := readListFile(cfg.listFile)
		if err != nil {
			return err
		}
		sources = append(sources, listed...)
	}

	return pack(archive, sources, enc, cfg, env)
}

func (cfg packConfig) encoding() (dar.Encoding, error) {
	switch {
	case cfg.codec != "":
		return dar.ParseEncoding(cfg.codec)
	case cfg.compress:
		return dar.EncodingZlib, nil
	}
	return dar.EncodingPlain, nil
}

// readListFile reads paths relative to the list file's directory.
// Absolute paths are used as given.
func readListFile(path string) ([]packSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dir := filepath.Dir(path)
	var sources []packSource
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), dar.MaxNameLength+4096)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		src := packSource{path: filepath.FromSlash(line), name: line}
		if !filepath.IsAbs(src.path) {
			src.path = filepath.Join(dir, src.path)
		}
		sources = append(sources, src)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read list file %s: %w", path, err)
	}
	return sources, nil
}

// pack writes all sources into archive. Nothing is left behind on failure.
func pack(archive string, sources []packSource, enc dar.Encoding, cfg packConfig, env *environment) (err error) {
	builder, err := dar.Create(archive,
		dar.WithEncoding(enc),
		dar.WithCompressionLevel(cfg.level),
		dar.WithLogger(env.log),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			builder.Close()
			if rmErr := os.Remove(archive); rmErr != nil && !os.IsNotExist(rmErr) {
				env.log.WithError(rmErr).Warn("could not remove incomplete archive")
			}
		}
	}()

	seen := make(map[string]bool, len(sources))
	for _, src := range sources {
		if seen[src.name] {
			env.log.WithField("name", src.name).Warn("duplicate entry name, readers will see the first one")
		}
		seen[src.name] = true

		entry, err := builder.AddFile(src.path, src.name)
		if err != nil {
			return err
		}
		if !cfg.quiet {
			fmt.Fprintf(env.stdout, "+ %6d  %s\n", entry.Size, src.name)
		}
	}

	if err := builder.Close(); err != nil {
		return err
	}
	env.log.WithFields(log.Fields{
		"archive":  archive,
		"encoding": enc.Name(),
	}).Debug("archive written")
	if !cfg.quiet {
		fmt.Fprintf(env.stdout, "Written %d files.\n", len(sources))
	}
	return nil
}

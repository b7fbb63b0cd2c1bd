// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblok/dar/utility/dar"
)

func runCmd(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

// chdir switches the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestPackPositional(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeFile(t, "a.txt", "abcd")
	writeFile(t, "dir/b.bin", "")

	code, stdout, stderr := runCmd(t, "pack", "out.dar", "a.txt", "dir/b.bin")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "+      4  a.txt\n+      0  dir/b.bin\nWritten 2 files.\n", stdout)

	ar, err := dar.OpenFile(filepath.Join(dir, "out.dar"))
	require.NoError(t, err)
	defer ar.Close()
	require.Len(t, ar.Entries(), 2)
	assert.Equal(t, dar.EncodingPlain, ar.Entries()[0].Encoding)
	content, err := ar.ReadAll("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(content))
}

func TestPackListFileCompressQuiet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "assets", "list.txt"), "shaders/a.vert\n\n  textures/b.png  \n")
	writeFile(t, filepath.Join(dir, "assets", "shaders", "a.vert"), strings.Repeat("vertex ", 100))
	writeFile(t, filepath.Join(dir, "assets", "textures", "b.png"), "png")
	out := filepath.Join(dir, "assets.dar")

	// flags after positional arguments
	code, stdout, stderr := runCmd(t, "pack", out, "--list-file", filepath.Join(dir, "assets", "list.txt"), "--compress", "--quiet")
	require.Equal(t, 0, code, stderr)
	assert.Empty(t, stdout)

	ar, err := dar.OpenFile(out)
	require.NoError(t, err)
	defer ar.Close()
	require.Len(t, ar.Entries(), 2)
	for _, e := range ar.Entries() {
		assert.Equal(t, dar.EncodingZlib, e.Encoding)
	}
	content, err := ar.ReadAll("textures/b.png")
	require.NoError(t, err)
	assert.Equal(t, "png", string(content))
}

func TestPackListFileAbsolutePath(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(dir, "elsewhere", "abs.txt")
	writeFile(t, abs, "absolute")
	writeFile(t, filepath.Join(dir, "assets", "rel.txt"), "relative")
	writeFile(t, filepath.Join(dir, "assets", "list.txt"), "rel.txt\n"+abs+"\n")
	out := filepath.Join(dir, "out.dar")

	code, _, stderr := runCmd(t, "pack", "-q", "--list-file", filepath.Join(dir, "assets", "list.txt"), out)
	require.Equal(t, 0, code, stderr)

	ar, err := dar.OpenFile(out)
	require.NoError(t, err)
	defer ar.Close()
	content, err := ar.ReadAll(abs)
	require.NoError(t, err)
	assert.Equal(t, "absolute", string(content))
	content, err = ar.ReadAll("rel.txt")
	require.NoError(t, err)
	assert.Equal(t, "relative", string(content))
}

func TestPackCodec(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeFile(t, "a.txt", "abcd")

	code, _, stderr := runCmd(t, "pack", "-q", "--codec", "lz4", "out.dar", "a.txt")
	require.Equal(t, 0, code, stderr)

	ar, err := dar.OpenFile("out.dar")
	require.NoError(t, err)
	defer ar.Close()
	assert.Equal(t, dar.EncodingLZ4, ar.Entries()[0].Encoding)

	code, _, _ = runCmd(t, "pack", "--codec", "rar", "bad.dar", "a.txt")
	assert.Equal(t, 1, code)
	assert.NoFileExists(t, "bad.dar")
}

func TestPackMissingSourceRemovesArchive(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeFile(t, "a.txt", "abcd")

	code, _, stderr := runCmd(t, "pack", "out.dar", "a.txt", "missing.txt")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "missing.txt")
	assert.NoFileExists(t, filepath.Join(dir, "out.dar"))
}

func TestPackWarnsOnDuplicates(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeFile(t, "a.txt", "abcd")

	code, _, stderr := runCmd(t, "pack", "-q", "out.dar", "a.txt", "a.txt")
	require.Equal(t, 0, code)
	assert.Contains(t, stderr, "duplicate entry name")
}

func TestListAndExtract(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeFile(t, "a.txt", "abcd")
	writeFile(t, "dir/b.bin", "")

	code, _, stderr := runCmd(t, "pack", "-c", "-q", "out.dar", "a.txt", "dir/b.bin")
	require.Equal(t, 0, code, stderr)

	code, stdout, stderr := runCmd(t, "list", "out.dar")
	require.Equal(t, 0, code, stderr)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "NAME")
	fields := strings.Fields(lines[1])
	assert.Equal(t, []string{"4", fields[1], "zl", "a.txt"}, fields)
	assert.Equal(t, "dir/b.bin", strings.Fields(lines[2])[3])

	code, _, stderr = runCmd(t, "extract", "out.dar", "a.txt", "x/y/a.out")
	require.Equal(t, 0, code, stderr)
	content, err := os.ReadFile(filepath.Join(dir, "x", "y", "a.out"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(content))

	code, stdout, _ = runCmd(t, "extract", "out.dar", "a.txt", "-")
	require.Equal(t, 0, code)
	assert.Equal(t, "abcd", stdout)

	code, _, stderr = runCmd(t, "extract", "out.dar", "nope.txt", "nope.out")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "not found")
	assert.NoFileExists(t, "nope.out")
}

func TestExtractReplacesExistingFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeFile(t, "a.txt", "abcd")
	code, _, stderr := runCmd(t, "pack", "-c", "-q", "out.dar", "a.txt")
	require.Equal(t, 0, code, stderr)

	writeFile(t, "a.out", "previous content, longer than the entry")
	code, _, stderr = runCmd(t, "extract", "out.dar", "a.txt", "a.out")
	require.Equal(t, 0, code, stderr)
	content, err := os.ReadFile("a.out")
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(content))
}

func TestExtractCorruptEntryKeepsExistingFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeFile(t, "a.txt", "abcd")
	code, _, stderr := runCmd(t, "pack", "-c", "-q", "out.dar", "a.txt")
	require.Equal(t, 0, code, stderr)

	// claim a longer original size than the stream decodes to
	ar, err := dar.OpenFile("out.dar")
	require.NoError(t, err)
	end := ar.Entries()[0].End()
	require.NoError(t, ar.Close())
	data, err := os.ReadFile("out.dar")
	require.NoError(t, err)
	binary.BigEndian.PutUint32(data[end-dar.TrailerLength:], 500)
	require.NoError(t, os.WriteFile("out.dar", data, 0o644))

	writeFile(t, filepath.Join("x", "a.out"), "keep me")
	code, _, stderr = runCmd(t, "extract", "out.dar", "a.txt", filepath.Join("x", "a.out"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "corrupted archive entry")

	content, err := os.ReadFile(filepath.Join("x", "a.out"))
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(content))
	leftovers, err := os.ReadDir("x")
	require.NoError(t, err)
	assert.Len(t, leftovers, 1)
}

func TestUnpack(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeFile(t, "src/a.txt", "abcd")
	writeFile(t, "src/dir/b.bin", "bbbb")
	writeFile(t, "src/list", "a.txt\ndir/b.bin\n")

	code, _, stderr := runCmd(t, "pack", "-q", "--codec", "zstd", "--list-file", "src/list", "assets.dar")
	require.Equal(t, 0, code, stderr)

	code, stdout, stderr := runCmd(t, "unpack", "assets.dar", "-j", "2")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "dir/b.bin")
	content, err := os.ReadFile(filepath.Join("assets", "dir", "b.bin"))
	require.NoError(t, err)
	assert.Equal(t, "bbbb", string(content))

	// existing files are kept
	writeFile(t, filepath.Join("assets", "a.txt"), "local change")
	code, _, stderr = runCmd(t, "unpack", "assets.dar", "-q")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stderr, "file exists")
	content, err = os.ReadFile(filepath.Join("assets", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "local change", string(content))
}

func TestUnpackExtensionlessArchive(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeFile(t, "a.txt", "abcd")

	code, _, stderr := runCmd(t, "pack", "-q", "assets", "a.txt")
	require.Equal(t, 0, code, stderr)

	code, _, stderr = runCmd(t, "unpack", "-q", "assets")
	require.Equal(t, 0, code, stderr)
	content, err := os.ReadFile(filepath.Join("assets.extracted", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(content))
	assert.FileExists(t, "assets")
}

func TestDefaultOutputDir(t *testing.T) {
	assert.Equal(t, "assets", defaultOutputDir("assets.dar"))
	assert.Equal(t, filepath.Join("data", "assets"), defaultOutputDir(filepath.Join("data", "assets.dar")))
	assert.Equal(t, "assets.extracted", defaultOutputDir("assets"))
}

func TestUnpackSelected(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeFile(t, "a.txt", "abcd")
	writeFile(t, "b.txt", "efgh")
	code, _, stderr := runCmd(t, "pack", "-q", "out.dar", "a.txt", "b.txt")
	require.Equal(t, 0, code, stderr)

	code, _, stderr = runCmd(t, "unpack", "out.dar", "-o", "sel", "-e", "b.txt", "-q")
	require.Equal(t, 0, code, stderr)
	assert.FileExists(t, filepath.Join("sel", "b.txt"))
	assert.NoFileExists(t, filepath.Join("sel", "a.txt"))

	code, _, _ = runCmd(t, "unpack", "out.dar", "-o", "sel2", "-e", "c.txt")
	assert.Equal(t, 1, code)
}

func TestUnpackSkipsNonLocalNames(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	builder, err := dar.Create("evil.dar")
	require.NoError(t, err)
	_, err = builder.Add("../escape.txt", strings.NewReader("nope"))
	require.NoError(t, err)
	_, err = builder.Add("ok.txt", strings.NewReader("fine"))
	require.NoError(t, err)
	require.NoError(t, builder.Close())

	code, _, stderr := runCmd(t, "unpack", "-q", "-o", "out", "evil.dar")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stderr, "not a local path")
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
	assert.FileExists(t, filepath.Join(dir, "out", "ok.txt"))
}

func TestOpenInvalidArchive(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeFile(t, "junk.dar", "definitely not an archive")

	code, _, stderr := runCmd(t, "list", "junk.dar")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "not a dar archive")
}

func TestUsage(t *testing.T) {
	code, _, stderr := runCmd(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Usage:")

	code, _, stderr = runCmd(t, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "unknown command")

	code, _, _ = runCmd(t, "pack")
	assert.Equal(t, 2, code)

	code, stdout, _ := runCmd(t, "--help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "dar pack")
}

func TestParseArgs(t *testing.T) {
	var b bool
	var s string
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.BoolVar(&b, "b", false, "")
	fs.StringVar(&s, "s", "", "")

	positional, err := parseArgs(fs, []string{"one", "-b", "two", "-s", "val", "three", "--", "-not-a-flag"})
	require.NoError(t, err)
	assert.True(t, b)
	assert.Equal(t, "val", s)
	assert.Equal(t, []string{"one", "two", "three", "-not-a-flag"}, positional)
}

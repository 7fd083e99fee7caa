// Command bb_zip streams a ZIP/ZIP64 archive to disk from a set of
// files and directories, exercising pkg/zip/archive end to end. Its
// -C/-f/-d flag pattern (make paths relative to the most recently
// seen -C, then add individual files or whole directory trees) is
// adapted from the soong_zip build tool found throughout the Android
// build system, generalized from "read each file fully into memory
// first" to streaming each one straight through the archive writer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/buildbarn/bb-zip/pkg/zip/archive"
	"github.com/buildbarn/bb-zip/pkg/zip/pipeline"
)

var (
	out          = flag.String("o", "", "file to write the archive to")
	relativeRoot = flag.String("C", ".", "directory that subsequent -f/-d paths are made relative to")
	level        = flag.Int("level", 6, "deflate compression level (1-9), or 0 to store entries uncompressed")
	workers      = flag.Int("workers", 0, "maximum concurrent compression workers (0 selects runtime.NumCPU())")
	password     = flag.String("password", "", "if set, encrypt every entry with WinZip AES using this password")
	comment      = flag.String("comment", "", "archive comment")
	forceZip64   = flag.Bool("force_zip64", false, "always use ZIP64 record layout, even for a small archive")
)

type fileArg struct {
	relativeRoot string
	path         string
}

type fileArgs []fileArg

func (l *fileArgs) String() string { return "" }

func (l *fileArgs) Set(s string) error {
	*l = append(*l, fileArg{relativeRoot: *relativeRoot, path: s})
	return nil
}

var files, dirs fileArgs

func init() {
	flag.Var(&files, "f", "a file to add to the archive; may be repeated")
	flag.Var(&dirs, "d", "a directory to add recursively to the archive; may be repeated")
}

func main() {
	flag.Parse()
	if *out == "" || (len(files) == 0 && len(dirs) == 0) {
		fmt.Fprintln(os.Stderr, "Usage: bb_zip -o output.zip [-C root] -f file [-f file ...] [-d dir ...]")
		os.Exit(2)
	}

	sink, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create %s: %s", *out, err)
	}
	defer sink.Close()

	w := archive.New(sink, archive.Options{
		Comment:    *comment,
		MaxWorkers: *workers,
		ForceZip64: *forceZip64,
	})
	ctx := context.Background()

	for _, fa := range files {
		if err := addFile(ctx, w, fa); err != nil {
			log.Fatalf("Failed to add %s: %s", fa.path, err)
		}
	}
	for _, da := range dirs {
		if err := addDirectory(ctx, w, da); err != nil {
			log.Fatalf("Failed to walk %s: %s", da.path, err)
		}
	}

	if err := w.Close(ctx); err != nil {
		log.Fatalf("Failed to finalize %s: %s", *out, err)
	}
}

func archiveName(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	return filepath.ToSlash(rel)
}

// addFile hands f off to w.Add without closing it itself: Add streams
// the file asynchronously on a pipeline goroutine that outlives this
// call, and takes over responsibility for closing f once it is done
// reading (on every outcome, including failure and early rejection).
func addFile(ctx context.Context, w *archive.Writer, fa fileArg) error {
	f, err := os.Open(fa.path)
	if err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	size := uint64(info.Size())
	return w.Add(ctx, archiveName(fa.relativeRoot, fa.path), f, pipeline.EntryOptions{
		Level:                    *level,
		Password:                 *password,
		ModTime:                  info.ModTime(),
		DeclaredUncompressedSize: &size,
	})
}

// addDirectory walks da.path, adding directory entries inline (cheap,
// no file I/O) and fanning file entries out across a bounded errgroup
// so that opening and stat'ing many small files doesn't serialize
// behind disk latency one at a time. archive.Writer.Add is safe to
// call concurrently: its shared flags are read under a mutex and it
// hands the entry over by a channel send, so concurrent callers don't
// race each other or the single drainLoop goroutine that later reads
// from it. Entries are added with ctx rather than the group's own
// context, since the latter is cancelled as soon as g.Wait returns,
// while the entries' pipelines are still streaming.
func addDirectory(ctx context.Context, w *archive.Writer, da fileArg) error {
	var g errgroup.Group
	g.SetLimit(fanOutLimit())

	err := filepath.Walk(da.path, func(diskPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		name := archiveName(da.relativeRoot, diskPath)
		if info.IsDir() {
			if name == "." {
				return nil
			}
			return w.Add(ctx, name+"/", nil, pipeline.EntryOptions{Directory: true, ModTime: info.ModTime()})
		}
		fa := fileArg{relativeRoot: da.relativeRoot, path: diskPath}
		g.Go(func() error {
			return addFile(ctx, w, fa)
		})
		return nil
	})
	if err != nil {
		return err
	}
	return g.Wait()
}

func fanOutLimit() int {
	if *workers > 0 {
		return *workers
	}
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

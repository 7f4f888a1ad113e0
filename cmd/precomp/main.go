// Command precomp drives the precomp engine (package
// github.com/precomp-go/precomp) from the command line: precompress a
// file into a PCF stream, recompress a PCF stream back to the original
// bytes, or print its segment table without expanding it. The engine
// itself never parses flags or reports progress; this command wires
// subcmd, cmdutil and a progress bar around the library package.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"

	"cloudeng.io/cmdutil"
	"cloudeng.io/cmdutil/subcmd"
	"cloudeng.io/errors"
	"github.com/schollz/progressbar/v2"
	"golang.org/x/term"

	"github.com/precomp-go/precomp"
	"github.com/precomp-go/precomp/internal/scratch"
)

type commonFlags struct {
	Verify bool `subcmd:"verify,true,'run the segment verifier on every precompressed segment'"`
}

type precompressFlags struct {
	commonFlags
	Intense     bool `subcmd:"intense,false,'enable the raw-zlib handler'"`
	Brute       bool `subcmd:"brute,false,'enable the brute-forced raw-deflate handler'"`
	ProgressBar bool `subcmd:"progress,true,'display a progress bar'"`
}

type recompressFlags struct{}

type inspectFlags struct{}

var cmdSet *subcmd.CommandSet

func init() {
	precompressCmd := subcmd.NewCommand("precompress",
		subcmd.MustRegisterFlagStruct(&precompressFlags{}, nil, nil),
		runPrecompress, subcmd.ExactlyNumArguments(1))
	precompressCmd.Document(`precompress a file into a PCF stream on stdout.`)

	recompressCmd := subcmd.NewCommand("recompress",
		subcmd.MustRegisterFlagStruct(&recompressFlags{}, nil, nil),
		runRecompress, subcmd.ExactlyNumArguments(1))
	recompressCmd.Document(`recompress a PCF stream back into its original bytes, written to stdout.`)

	inspectCmd := subcmd.NewCommand("inspect",
		subcmd.MustRegisterFlagStruct(&inspectFlags{}, nil, nil),
		runInspect, subcmd.ExactlyNumArguments(1))
	inspectCmd.Document(`print the segment table of a PCF stream without expanding it.`)

	cmdSet = subcmd.NewCommandSet(precompressCmd, recompressCmd, inspectCmd)
	cmdSet.Document(`precompress/recompress streams so embedded compressed containers (deflate, bzip2, jpeg, mp3, gif, base64) round-trip through a general-purpose compressor more effectively.`)
}

func main() {
	cmdSet.MustDispatch(context.Background())
}

func newScratchManager() (*scratch.Manager, error) {
	return scratch.NewManager(os.TempDir())
}

func runPrecompress(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cl := values.(*precompressFlags)
	cmdutil.HandleSignals(cancel, os.Interrupt)

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	opts := []precomp.Option{precomp.WithVerification(cl.Verify)}
	if cl.Intense {
		opts = append(opts, precomp.WithIntenseMode(0))
	}
	if cl.Brute {
		opts = append(opts, precomp.WithBruteMode(0))
	}
	cfg := precomp.NewConfig(opts...)
	mgr, err := newScratchManager()
	if err != nil {
		return err
	}
	reg := precomp.NewRegistry(cfg, mgr)

	var progressFn precomp.ProgressFunc
	var bar *progressbar.ProgressBar
	isTTY := term.IsTerminal(int(os.Stderr.Fd()))
	if cl.ProgressBar && isTTY {
		bar = progressbar.NewOptions64(info.Size(),
			progressbar.OptionSetBytes64(info.Size()),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetPredictTime(true))
		bar.RenderBlank()
		var mu sync.Mutex
		var last uint64
		progressFn = func(p precomp.Progress) {
			mu.Lock()
			defer mu.Unlock()
			now := p.Position + p.OriginalSize
			bar.Add(int(now - last))
			last = now
		}
	}

	out := bufio.NewWriter(os.Stdout)
	stats, err := precomp.Precompress(ctx, cfg, reg, f, args[0], out, progressFn)
	if bar != nil {
		fmt.Fprintln(os.Stderr)
	}
	if ferr := out.Flush(); err == nil {
		err = ferr
	}
	if err != nil {
		return err
	}
	if cl.ProgressBar {
		fmt.Fprintf(os.Stderr, "scanned %d bytes, %d format(s) claimed segments, max recursion depth %d\n",
			stats.BytesScanned, len(stats.SegmentsByTag), stats.MaxRecursionDepth)
	}
	return nil
}

func runRecompress(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmdutil.HandleSignals(cancel, os.Interrupt)

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	cfg := precomp.DefaultConfig()
	mgr, err := newScratchManager()
	if err != nil {
		return err
	}
	reg := precomp.NewRegistry(cfg, mgr)

	out := bufio.NewWriter(os.Stdout)
	errs := &errors.M{}
	errs.Append(precomp.Recompress(ctx, reg, f, out))
	errs.Append(out.Flush())
	return errs.Err()
}

func runInspect(ctx context.Context, values interface{}, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	cfg := precomp.DefaultConfig()
	mgr, err := newScratchManager()
	if err != nil {
		return err
	}
	reg := precomp.NewRegistry(cfg, mgr)

	segs, err := precomp.Inspect(reg, f)
	if err != nil {
		return err
	}
	for _, s := range segs {
		if s.Uncompressed {
			fmt.Printf("uncompressed     len=%d\n", s.OriginalSize)
			continue
		}
		fmt.Printf("%-16s original=%d precompressed=%d penalty=%v recursion=%v\n",
			s.Tag, s.OriginalSize, s.PrecompressedSize, s.HasPenaltyBytes, s.RecursionUsed)
	}
	return nil
}

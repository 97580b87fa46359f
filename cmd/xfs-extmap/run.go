// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/textui"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbmap"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbmbt"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsinode"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfstxn"
)

func init() {
	var extsizeFlag int64
	var streamFlag bool
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "run [flags] [SCRIPT]",
			Short: "Execute an extent-map workload script",
			Long: "" +
				"Execute a workload script against a fresh inode, one operation\n" +
				"per line: `reserve OFF LEN`, `write OFF LEN [unwritten]`,\n" +
				"`convert OFF LEN`, `unmap OFF LEN`, or `read OFF LEN`.  Blank\n" +
				"lines and lines starting with `#` are skipped.  With no SCRIPT\n" +
				"argument the script is read from stdin.",
			Args: cliutil.WrapPositionalArgs(cobra.MaximumNArgs(1)),
		},
		RunE: func(w *world, cmd *cobra.Command, args []string) error {
			src := io.Reader(os.Stdin)
			if len(args) == 1 {
				fh, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer fh.Close()
				src = fh
			}
			w.Inode.ExtSize = xfsprim.Filblks(extsizeFlag)
			w.Inode.Stream = streamFlag
			return runScript(cmd.Context(), w, src, cmd.OutOrStdout())
		},
	}
	cmd.Command.Flags().Int64Var(&extsizeFlag, "extsize", 0, "preferred extent granularity in blocks (0: none)")
	cmd.Command.Flags().BoolVar(&streamFlag, "stream", false, "keep the inode's allocations in one allocation group")
	subcommands = append(subcommands, cmd)
}

// scriptStats is the stat line the progress meter logs while a script
// runs.
type scriptStats struct {
	Steps int
	Free  xfsprim.Filblks
}

func (s scriptStats) String() string {
	return textui.Sprintf("%v steps, %v blocks free", s.Steps, textui.Humanized(s.Free))
}

var progressInterval = textui.Tunable(1 * time.Second)

func runScript(ctx context.Context, w *world, src io.Reader, out io.Writer) error {
	ctx = dlog.WithField(ctx, "xfs.bmap.inode", w.Inode.Ino)

	prog := textui.NewProgress[scriptStats](ctx, dlog.LogLevelInfo, progressInterval)
	prog.Set(scriptStats{Free: w.Mgr.FreeBlocks()})
	defer prog.Done()

	step := 0
	lines := bufio.NewScanner(src)
	for lines.Scan() {
		line := strings.TrimSpace(lines.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		step++
		stepCtx := dlog.WithField(ctx, "extmap.simulate.step", step)
		if err := runOp(stepCtx, w, out, line); err != nil {
			return fmt.Errorf("step %d (%q): %w", step, line, err)
		}
		prog.Set(scriptStats{Steps: step, Free: w.Mgr.FreeBlocks()})
	}
	if err := lines.Err(); err != nil {
		return err
	}

	return printSummary(ctx, w, out)
}

func runOp(ctx context.Context, w *world, out io.Writer, line string) error {
	fields := strings.Fields(line)
	op := fields[0]
	ctx = dlog.WithField(ctx, "extmap.simulate.op", op)

	parse := func(i int) (int64, error) {
		if i >= len(fields) {
			return 0, fmt.Errorf("missing argument %d", i)
		}
		return strconv.ParseInt(fields[i], 10, 64)
	}
	offArg, err := parse(1)
	if err != nil {
		return err
	}
	lenArg, err := parse(2)
	if err != nil {
		return err
	}
	off := xfsprim.FileOff(offArg)
	ln := xfsprim.Filblks(lenArg)

	switch op {
	case "reserve":
		return w.Engine.Reserve(ctx, w.Inode, xfsinode.DataFork, off, ln)
	case "write":
		mode := xfsbmap.WriteNorm
		if len(fields) > 3 && fields[3] == "unwritten" {
			mode = xfsbmap.WriteUnwritten
		}
		return inTxn(ctx, w, w.Engine.WriteReservation(ln), func(tp *xfstxn.Txn) error {
			recs, err := w.Engine.Write(ctx, tp, w.Inode, xfsinode.DataFork, off, ln, mode)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				textui.Fprintf(out, "write: %v\n", rec)
			}
			return nil
		})
	case "convert":
		to := xfsbmbt.StateNorm
		if len(fields) > 3 && fields[3] == "unwritten" {
			to = xfsbmbt.StateUnwritten
		}
		return inTxn(ctx, w, w.Engine.UnmapReservation(), func(tp *xfstxn.Txn) error {
			return w.Engine.Convert(ctx, tp, w.Inode, xfsinode.DataFork, off, ln, to)
		})
	case "unmap":
		return inTxn(ctx, w, w.Engine.UnmapReservation(), func(tp *xfstxn.Txn) error {
			done, err := w.Engine.Unmap(ctx, tp, w.Inode, xfsinode.DataFork, off, ln, xfsbmap.MaxNMap)
			if err != nil {
				return err
			}
			textui.Fprintf(out, "unmap: %v blocks\n", done)
			return nil
		})
	case "read":
		recs, err := w.Engine.Read(ctx, w.Inode, xfsinode.DataFork, off, ln, xfsbmap.MaxNMap)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			textui.Fprintf(out, "read: %v\n", rec)
		}
		return nil
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
}

// inTxn runs fn inside a fresh transaction, committing on success and
// cancelling on failure.
func inTxn(ctx context.Context, w *world, blkRes xfsprim.Filblks, fn func(*xfstxn.Txn) error) error {
	tp, err := w.Mgr.Begin(ctx, blkRes)
	if err != nil {
		return err
	}
	if err := fn(tp); err != nil {
		tp.Cancel(ctx, w.Buf)
		return err
	}
	return tp.Commit(ctx, w.Buf)
}

func printSummary(ctx context.Context, w *world, out io.Writer) error {
	blocks, nextents, err := w.Engine.CountBlocks(ctx, w.Inode, xfsinode.DataFork)
	if err != nil {
		return err
	}
	fork := w.Inode.Fork(xfsinode.DataFork)
	total := xfsprim.Filblks(w.Geo.AgCount) * w.Geo.AgBlocks
	textui.Fprintf(out, "\nfork format:     %v\n", fork.Format)
	textui.Fprintf(out, "mapped blocks:   %v\n", textui.Portion[xfsprim.Filblks]{N: blocks, D: total})
	textui.Fprintf(out, "extent records:  %v\n", nextents)
	textui.Fprintf(out, "delayed blocks:  %v\n", w.Inode.DelBlks)
	textui.Fprintf(out, "free blocks:     %v\n", textui.Portion[xfsprim.Filblks]{N: w.Mgr.FreeBlocks(), D: total})
	for cur := fork.First(); ; cur.Next() {
		rec, ok := cur.Get()
		if !ok {
			break
		}
		textui.Fprintf(out, "  %v\n", rec)
	}
	for _, ev := range w.Log.Events() {
		state := "logged"
		if ev.Done {
			state = "done"
		}
		textui.Fprintf(out, "intent: %v (%v)\n", ev.Name, state)
	}
	return nil
}

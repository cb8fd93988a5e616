// Command jrnltool formats, inspects and recovers disk images that carry a
// superblock and a journal.
//
//	jrnltool -disk img -format -size 1000
//	jrnltool -disk img -dump
//	jrnltool -disk img -recover
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/mit-pdos/blkjournal/alloc"
	"github.com/mit-pdos/blkjournal/bcache"
	"github.com/mit-pdos/blkjournal/common"
	"github.com/mit-pdos/blkjournal/disk"
	"github.com/mit-pdos/blkjournal/jrnl"
	"github.com/mit-pdos/blkjournal/super"
	"github.com/mit-pdos/blkjournal/util"
	"github.com/mit-pdos/blkjournal/wal"
)

type config struct {
	path    string
	format  bool
	dump    bool
	recover bool
	size    uint64
	inodes  uint64
	logSize uint64
	debug   uint64
}

func parseFlags(args []string) (*config, error) {
	cfg := &config{}
	fs := flag.NewFlagSet("jrnltool", flag.ContinueOnError)
	fs.StringVar(&cfg.path, "disk", "", "disk image `path`")
	fs.BoolVar(&cfg.format, "format", false, "create and format the image")
	fs.BoolVar(&cfg.dump, "dump", false, "print the superblock and log header")
	fs.BoolVar(&cfg.recover, "recover", false, "replay a committed transaction")
	fs.Uint64Var(&cfg.size, "size", 1000, "image size in blocks (with -format)")
	fs.Uint64Var(&cfg.inodes, "inodes", 256, "number of inodes (with -format)")
	fs.Uint64Var(&cfg.logSize, "logsize", common.LOGSIZE, "log region size in blocks (with -format)")
	fs.Uint64Var(&cfg.debug, "debug", 0, "debug level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.path == "" {
		return nil, errors.New("-disk is required")
	}
	if !cfg.format && !cfg.dump && !cfg.recover {
		return nil, errors.New("one of -format, -dump or -recover is required")
	}
	if cfg.size > uint64(^uint32(0)) || cfg.inodes > uint64(^uint32(0)) ||
		cfg.logSize > uint64(^uint32(0)) {
		return nil, errors.New("sizes must fit in 32 bits")
	}
	return cfg, nil
}

func format(cfg *config) error {
	d, err := disk.NewFileDisk(cfg.path, cfg.size)
	if err != nil {
		return err
	}
	defer d.Close()
	c := bcache.MkDefaultCache(disk.Single(d))
	sb := super.MkFsSuperLog(uint32(cfg.size), uint32(cfg.inodes), uint32(cfg.logSize))
	if err := super.Format(c, 0, sb); err != nil {
		return err
	}
	j, sb, err := jrnl.Open(c, 0)
	if err != nil {
		return err
	}
	if err := alloc.FormatBitmaps(j, sb); err != nil {
		return fmt.Errorf("bitmaps: %w", err)
	}
	return d.Barrier()
}

func dump(cfg *config, out io.Writer) error {
	d, err := disk.OpenFileDisk(cfg.path)
	if err != nil {
		return err
	}
	defer d.Close()
	c := bcache.MkDefaultCache(disk.Single(d))
	sb, err := super.Read(c, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%v\n", sb)
	h, err := wal.ReadHeader(c, 0, sb.LogStart)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%v\n", h)
	if err := h.Valid(sb.LogStart, uint64(sb.LogSize)); err != nil {
		fmt.Fprintf(out, "header invalid: %v\n", err)
	} else if h.N > 0 {
		fmt.Fprintf(out, "committed transaction of %d blocks awaiting recovery\n", h.N)
	}
	return nil
}

func recoverImage(cfg *config, out io.Writer) error {
	d, err := disk.OpenFileDisk(cfg.path)
	if err != nil {
		return err
	}
	defer d.Close()
	c := bcache.MkDefaultCache(disk.Single(d))
	// opening the journal recovers it
	j, _, err := jrnl.Open(c, 0)
	if err != nil {
		return err
	}
	st := j.Log().Stats()
	fmt.Fprintf(out, "recovered %d transaction(s), %d block(s) installed\n",
		st.Recoveries, st.Installs)
	return d.Barrier()
}

func run(args []string, out io.Writer) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	util.SetLogger(logger)
	util.Debug = cfg.debug

	if cfg.format {
		if err := format(cfg); err != nil {
			return fmt.Errorf("format: %w", err)
		}
	}
	if cfg.recover {
		if err := recoverImage(cfg, out); err != nil {
			return fmt.Errorf("recover: %w", err)
		}
	}
	if cfg.dump {
		if err := dump(cfg, out); err != nil {
			return fmt.Errorf("dump: %w", err)
		}
	}
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		logrus.Fatal(err)
	}
}

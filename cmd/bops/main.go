//go:build linux || darwin
// +build linux darwin

package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/nikandfor/cli"
	"github.com/nikandfor/hacked/low"
	"github.com/nikandfor/tlog"

	"nikand.dev/go/bops"
)

func main() {
	app := &cli.Command{
		Name:   "bops",
		Before: before,
		Flags: []*cli.Flag{
			cli.NewFlag("verbocity,v", "", "tlog verbocity topics"),
			cli.NewFlag("detailed,vv", false, "detailed log"),
			cli.HelpFlag,
			cli.FlagfileFlag,
		},
		Commands: []*cli.Command{{
			Name:   "dump",
			Action: dump,
			Flags: []*cli.Flag{
				cli.NewFlag("file,f", "", ""),
			},
		}, {
			Name:   "stats",
			Action: stats,
			Flags: []*cli.Flag{
				cli.NewFlag("file,f", "", ""),
			},
		}},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func before(c *cli.Command) error {
	if c.Bool("vv") {
		tlog.DefaultLogger = tlog.New(tlog.NewConsoleWriter(tlog.Stderr, tlog.LdetFlags))
	}

	tlog.SetFilter(c.String("v"))

	return nil
}

func open(c *cli.Command) (*bops.MmapBack, *bops.Slice, error) {
	bk, err := bops.Mmap(c.String("file"), os.O_RDONLY)
	if err != nil {
		return nil, nil, err
	}

	page, err := bops.ReadHeaderPageSize(bk)
	if err != nil {
		_ = bk.Close()
		return nil, nil, err
	}

	cc, err := bops.NewCache(bk, page)
	if err != nil {
		_ = bk.Close()
		return nil, nil, err
	}

	sl, err := bops.NewSlice(cc, nil)
	if err != nil {
		_ = bk.Close()
		return nil, nil, err
	}

	return bk, sl, nil
}

func dump(c *cli.Command) error {
	bk, sl, err := open(c)
	if err != nil {
		return err
	}
	defer bk.Close()

	var b low.Buf

	bops.DebugDump(&b, sl)

	fmt.Printf("%s", b)

	return nil
}

func stats(c *cli.Command) error {
	bk, sl, err := open(c)
	if err != nil {
		return err
	}
	defer bk.Close()

	root, err := sl.RootBlock()
	if err != nil {
		return err
	}

	page := sl.Cache().Page()

	st := map[string]int64{
		"file.size":   bk.Size(),
		"page.size":   page,
		"blocks":      bk.Size() / page,
		"root.block":  int64(root),
		"tree.depth":  0,
		"tree.keys":   0,
		"tree.leaves": 0,
	}

	if root != bops.NilBlock {
		d, keys, leaves, err := sl.TreeStats()
		if err != nil {
			return err
		}

		st["tree.depth"], st["tree.keys"], st["tree.leaves"] = int64(d), keys, leaves
	}

	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Printf("%-30s  %6d  / %6x (hex)\n", k, st[k], st[k])
	}

	return nil
}

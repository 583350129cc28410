// Command blockctl is a small offline tool for inspecting and manipulating
// a node's repository without a running daemon: adding files, reading them
// back out, and checking block integrity.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/urfave/cli/v2"

	"ipfscore/blockstore"
	"ipfscore/chunker"
)

func main() {
	app := &cli.App{
		Name:  "blockctl",
		Usage: "inspect and manipulate a node repository offline",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "repo", Value: ".", Usage: "repository root"},
		},
		Commands: []*cli.Command{
			addCommand(),
			catCommand(),
			statCommand(),
			verifyCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "blockctl:", err)
		os.Exit(1)
	}
}

func openStore(c *cli.Context) (blockstore.Store, *blockstore.Layer, error) {
	store, err := blockstore.OpenStore(c.String("repo"))
	if err != nil {
		return nil, nil, err
	}
	layer, err := blockstore.NewLayer(store, 256)
	if err != nil {
		return nil, nil, err
	}
	return store, layer, nil
}

type layerPutter struct{ layer *blockstore.Layer }

func (p layerPutter) Put(ctx context.Context, b blocks.Block) error {
	return p.layer.Put(ctx, b, blockstore.PutOptions{})
}

type layerGetter struct{ layer *blockstore.Layer }

func (g layerGetter) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	return g.layer.Get(ctx, c)
}

func addCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "chunk a file and write its DAG to the repository",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "chunker", Value: "size-262144"},
			&cli.StringFlag{Name: "layout", Value: "balanced"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one file path", 1)
			}
			_, layer, err := openStore(c)
			if err != nil {
				return err
			}
			f, err := os.Open(c.Args().First())
			if err != nil {
				return err
			}
			defer f.Close()

			root, err := chunker.Add(c.Context, layerPutter{layer}, f, chunker.Options{
				Splitter: c.String("chunker"),
				Layout:   chunker.Layout(c.String("layout")),
			})
			if err != nil {
				return err
			}
			fmt.Println(root)
			return nil
		},
	}
}

func catCommand() *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "reconstruct and print a file's contents",
		ArgsUsage: "<cid>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one cid", 1)
			}
			root, err := cid.Decode(c.Args().First())
			if err != nil {
				return err
			}
			_, layer, err := openStore(c)
			if err != nil {
				return err
			}
			r, err := chunker.Reader(c.Context, layerGetter{layer}, root)
			if err != nil {
				return err
			}
			_, err = io.Copy(os.Stdout, r)
			return err
		},
	}
}

func statCommand() *cli.Command {
	return &cli.Command{
		Name:      "stat",
		Usage:     "print a block's size",
		ArgsUsage: "<cid>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one cid", 1)
			}
			root, err := cid.Decode(c.Args().First())
			if err != nil {
				return err
			}
			_, layer, err := openStore(c)
			if err != nil {
				return err
			}
			s, err := layer.Stat(c.Context, root)
			if err != nil {
				return err
			}
			fmt.Printf("%s %d bytes\n", s.Cid, s.Size)
			return nil
		},
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "rehash every stored block and report any mismatches",
		Action: func(c *cli.Context) error {
			store, _, err := openStore(c)
			if err != nil {
				return err
			}
			names, errc := store.Names(c.Context)
			bad := 0
			for h := range names {
				if err := blockstore.Rehash(c.Context, store, h); err != nil {
					fmt.Printf("CORRUPT %s: %s\n", h.B58String(), err)
					bad++
				}
			}
			if err := <-errc; err != nil {
				return err
			}
			if bad > 0 {
				return cli.Exit(fmt.Sprintf("%d corrupt blocks", bad), 1)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

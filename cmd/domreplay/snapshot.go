package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hazyhaar/domreplay/dom"
	"github.com/hazyhaar/domreplay/mutation"
	"github.com/hazyhaar/domreplay/snapshot"
)

// cmdSnapshot serializes a static HTML file the way the recorder would
// serialize the live page, and prints the full snapshot event.
func cmdSnapshot(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	in := fs.String("in", "-", "HTML file to read, - for stdin")
	pageURL := fs.String("url", "", "URL the document was served from")
	indent := fs.Bool("indent", false, "indent the JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if *in != "-" {
		f, err := os.Open(*in)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	doc, err := dom.Parse(r, *pageURL)
	if err != nil {
		return err
	}

	opts := cfg.SnapshotOptions()
	opts.Logger = c.logger(stderr)
	node, err := snapshot.Snapshot(doc, opts, nil, nil)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	ev := mutation.NewFullSnapshot(node, mutation.Offset{}, time.Now().UnixMilli())

	enc := json.NewEncoder(stdout)
	if *indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(ev)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.io/infrasutra/mailgate/internal/forward"
	"github.io/infrasutra/mailgate/internal/ingest"
)

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Run one ingestion for a message read from FILE or stdin",
		ArgsUsage: "[FILE]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "rcpt",
				Usage:    "envelope recipient `ADDR`",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "from",
				Usage: "envelope sender used when forwarding",
			},
		},
		Action: ingestMessage,
	}
}

func ingestMessage(c *cli.Context) error {
	var in io.Reader = os.Stdin
	if path := c.Args().First(); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open message: %w", err)
		}
		defer f.Close()
		in = f
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.db.Close()

	raw, err := ingest.Drain(in, e.cfg.SMTP.ChunkSize)
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}
	if err := e.seed(c.Context); err != nil {
		return err
	}

	// No subscribers exist in a one-shot run, so events go nowhere.
	pipeline, fwd, err := e.pipeline(c.Context, discardEvents{})
	if err != nil {
		return err
	}

	t := &cliTransport{forwarder: fwd, from: strings.ToLower(strings.TrimSpace(c.String("from"))), raw: raw}
	outcome := pipeline.Receive(c.Context, ingest.Delivery{
		Raw:       strings.NewReader(string(raw)),
		Rcpt:      strings.ToLower(strings.TrimSpace(c.String("rcpt"))),
		Transport: t,
	})

	if t.reason != "" {
		fmt.Fprintf(c.App.Writer, "%s: %s\n", outcome, t.reason)
	} else {
		fmt.Fprintln(c.App.Writer, outcome)
	}
	if outcome == ingest.Dropped {
		return cli.Exit("", 1)
	}
	return nil
}

// cliTransport records a rejection instead of replying to a peer.
type cliTransport struct {
	forwarder forward.Forwarder
	from      string
	raw       []byte
	reason    string
}

func (t *cliTransport) Reject(reason string) {
	if t.reason == "" {
		t.reason = reason
	}
}

func (t *cliTransport) Forward(ctx context.Context, addr string) error {
	if t.forwarder == nil {
		return errors.New("no forwarder configured")
	}
	return t.forwarder.Forward(ctx, t.from, addr, t.raw)
}

type discardEvents struct{}

func (discardEvents) Broadcast(int64, []byte) {}

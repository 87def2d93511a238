package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360/stratcon/engine"
	"github.com/c360/stratcon/message"
	"github.com/c360/stratcon/statement"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var printConfig bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and that the statements file resolves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(true)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if printConfig {
				_, _ = fmt.Fprintln(out, cfg.String())
			}
			if cfg.Statements.Bucket != "" {
				_, _ = fmt.Fprintf(out, "configuration valid; statements live in bucket %s and were not checked\n",
					cfg.Statements.Bucket)
				return nil
			}
			defs, err := statement.LoadFile(cfg.Statements.File)
			if err != nil {
				return err
			}
			cmds, err := defs.Resolve()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "configuration valid; %d statements and %d queries resolve in %d commands\n",
				len(defs.Statements), len(defs.Queries), len(cmds))
			return nil
		},
	}
	cmd.Flags().BoolVar(&printConfig, "print", false, "Print the effective configuration")
	return cmd
}

func newResolveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [statements-file]",
		Short: "Print the order statements and queries are installed in",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := opts.loadConfig(false)
				if err != nil {
					return err
				}
				path = cfg.Statements.File
			}

			defs, err := statement.LoadFile(path)
			if err != nil {
				return err
			}
			cmds, err := defs.Resolve()
			if err != nil {
				return err
			}
			return writeOrder(cmd.OutOrStdout(), cmds)
		},
	}
}

// writeOrder prints one line per command: kind, id and, for queries, name
func writeOrder(w io.Writer, cmds []message.Command) error {
	for i, c := range cmds {
		var err error
		switch v := c.(type) {
		case message.StatementInstall:
			_, err = fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, v.Kind(), v.ID)
		case message.QueryInstall:
			_, err = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, v.Kind(), v.ID, v.Name)
		default:
			_, err = fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, c.Kind(), c.CommandID())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func newDecodeCmd() *cobra.Command {
	var xmlDoc bool
	cmd := &cobra.Command{
		Use:   "decode [file...]",
		Short: "Decode firehose lines and print each message as JSON",
		Long: "Decode reads tab-separated firehose records, one per line, from the named files\n" +
			"or standard input and prints each decoded message as a JSON object. With --xml\n" +
			"each input is decoded as a single XML control document instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := openInputs(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			failures := 0
			for _, in := range inputs {
				n, err := decodeInput(enc, cmd.ErrOrStderr(), in, xmlDoc)
				failures += n
				if err != nil {
					return err
				}
			}
			if failures > 0 {
				return fmt.Errorf("%d records failed to decode", failures)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&xmlDoc, "xml", false, "Inputs are XML control documents")
	return cmd
}

type namedInput struct {
	name string
	r    io.Reader
}

func openInputs(stdin io.Reader, paths []string) ([]namedInput, error) {
	if len(paths) == 0 {
		return []namedInput{{name: "stdin", r: stdin}}, nil
	}
	inputs := make([]namedInput, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, namedInput{name: p, r: bytes.NewReader(data)})
	}
	return inputs, nil
}

// render is the printed form of one message: events as the row the engine
// sees, bundles with their constituents, commands as they are
func render(msg message.Message) map[string]any {
	out := map[string]any{"kind": msg.Kind()}
	switch m := msg.(type) {
	case *message.BundleEvent:
		rows := []engine.Row{}
		for _, e := range m.Constituents() {
			if row, ok := engine.RowFromEvent(e); ok {
				rows = append(rows, row)
			}
		}
		out["uuid"] = m.Identity().UUID
		out["period"] = m.Period()
		out["timeout"] = m.Timeout()
		out["metadata"] = m.Metadata()
		out["rows"] = rows
		if err := m.Err(); err != nil {
			out["error"] = err.Error()
		}
	case message.Event:
		if row, ok := engine.RowFromEvent(m); ok {
			out["row"] = row
		}
	default:
		out["command"] = m
	}
	return out
}

func decodeInput(enc *json.Encoder, errw io.Writer, in namedInput, xmlDoc bool) (int, error) {
	if xmlDoc {
		data, err := io.ReadAll(in.r)
		if err != nil {
			return 0, err
		}
		msg, err := message.DecodeXML(data)
		if err != nil {
			_, _ = fmt.Fprintf(errw, "%s: %v\n", in.name, err)
			return 1, nil
		}
		return 0, enc.Encode(render(msg))
	}

	failures := 0
	scanner := bufio.NewScanner(in.r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if text == "" {
			continue
		}
		msg, err := message.Decode(text)
		if err != nil {
			failures++
			_, _ = fmt.Fprintf(errw, "%s:%d: %v\n", in.name, line, err)
			continue
		}
		if msg == nil {
			continue
		}
		if err := enc.Encode(render(msg)); err != nil {
			return failures, err
		}
	}
	return failures, scanner.Err()
}

package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/albertbausili/courier/internal/errs"
	"github.com/albertbausili/courier/internal/eventloop"
	"github.com/albertbausili/courier/internal/h1"
	"github.com/albertbausili/courier/internal/mocksock"
)

type replayOptions struct {
	file       string
	bufferSize int
	latency    time.Duration
}

func newReplayCmd(a *app) *cobra.Command {
	opts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay [CASE...]",
		Short: "Parse recorded chunk fixtures and print the resulting messages",
		Long: `replay feeds each case of a fixture file through the message reader over
the mock transport, one chunk per read, and prints what was parsed or why
parsing failed. Without --file the built-in cases are used; without CASE
arguments every case is replayed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), cmd.OutOrStdout(), a.logger, opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "YAML fixture file")
	cmd.Flags().IntVar(&opts.bufferSize, "buffer-size", 0, "read buffer capacity in bytes (default 64KiB)")
	cmd.Flags().DurationVar(&opts.latency, "latency", time.Millisecond, "simulated delay per chunk")
	return cmd
}

// replayResult is printed as one YAML document per case.
type replayResult struct {
	Case    string      `yaml:"case"`
	Reads   int         `yaml:"reads"`
	Message *messageDoc `yaml:"message,omitempty"`
	Error   *errorDoc   `yaml:"error,omitempty"`
}

type messageDoc struct {
	Kind    string      `yaml:"kind"`
	Start   string      `yaml:"start_line"`
	Headers [][2]string `yaml:"headers,flow"`
	Body    string      `yaml:"body,omitempty"`
}

type errorDoc struct {
	Kind    string `yaml:"kind"`
	Stage   string `yaml:"stage"`
	Message string `yaml:"message"`
}

func runReplay(ctx context.Context, out io.Writer, logger hclog.Logger, opts *replayOptions, names []string) error {
	src := mocksock.DefaultSource()
	if opts.file != "" {
		loaded, err := mocksock.LoadSourceFile(opts.file)
		if err != nil {
			return err
		}
		src = loaded
	}

	ids := make([]int, 0, src.Len())
	if len(names) == 0 {
		for i := 0; i < src.Len(); i++ {
			ids = append(ids, i)
		}
	}
	for _, name := range names {
		id, ok := src.Lookup(name)
		if !ok {
			return fmt.Errorf("no case named %q", name)
		}
		ids = append(ids, id)
	}

	loop := eventloop.New(logger)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = loop.Run(runCtx) }()
	defer loop.Stop()

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()

	for _, id := range ids {
		res, err := replayCase(ctx, loop, src, id, opts, logger)
		if err != nil {
			return err
		}
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	}
	return nil
}

func replayCase(ctx context.Context, loop *eventloop.Loop, src *mocksock.Source, id int, opts *replayOptions, logger hclog.Logger) (*replayResult, error) {
	c, err := src.Case(id)
	if err != nil {
		return nil, err
	}
	kind := h1.KindRequest
	if len(c.Chunks) > 0 && strings.HasPrefix(c.Chunks[0], "HTTP/") {
		kind = h1.KindResponse
	}

	ch, err := mocksock.New(loop, src, id, mocksock.WithLatency(opts.latency), mocksock.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	reader := h1.NewReader(ch, kind, loop, h1.ReaderConfig{BufferSize: opts.bufferSize, Logger: logger})

	done := make(chan error, 1)
	loop.Post(func() { reader.ReadMessage(func(err error) { done <- err }) })

	var readErr error
	select {
	case readErr = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	res := &replayResult{Case: c.Name, Reads: ch.Reads()}
	if readErr != nil {
		loop.Post(func() { _ = ch.Close() })
		res.Error = &errorDoc{
			Kind:    kindName(readErr),
			Stage:   errs.StageOf(readErr).String(),
			Message: readErr.Error(),
		}
		return res, nil
	}

	var msg *h1.Message
	if err := loop.Sync(ctx, func() {
		m, _ := reader.Message()
		msg = m.Clone()
		_ = ch.Close()
	}); err != nil {
		return nil, err
	}
	res.Message = describe(msg)
	return res, nil
}

func describe(m *h1.Message) *messageDoc {
	doc := &messageDoc{Kind: m.Kind.String(), Body: string(m.Body)}
	if m.Kind == h1.KindRequest {
		doc.Start = fmt.Sprintf("%s %s %s", m.Method, m.Target, m.Proto)
	} else {
		doc.Start = fmt.Sprintf("%s %d %s", m.Proto, m.StatusCode, m.Reason)
	}
	for _, f := range m.Header.Fields() {
		doc.Headers = append(doc.Headers, [2]string{f.Name, f.Value})
	}
	return doc
}

func kindName(err error) string {
	if k := errs.KindOf(err); k != 0 {
		return k.Error()
	}
	return "unknown"
}

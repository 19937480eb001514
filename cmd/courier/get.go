package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/albertbausili/courier/pkg/courier"
)

type getOptions struct {
	method  string
	headers []string
	data    string
	include bool
	timeout time.Duration
}

func newGetCmd(a *app) *cobra.Command {
	opts := &getOptions{}
	cmd := &cobra.Command{
		Use:   "get URL",
		Short: "Send one request and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, a, opts, args[0])
		},
	}
	cmd.Flags().StringVarP(&opts.method, "method", "X", "GET", "request method")
	cmd.Flags().StringArrayVarP(&opts.headers, "header", "H", nil, `request header "Name: value" (repeatable)`)
	cmd.Flags().StringVarP(&opts.data, "data", "d", "", "request body; @file reads it from a file")
	cmd.Flags().BoolVarP(&opts.include, "include", "i", false, "print the status line and headers")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall request timeout")
	return cmd
}

func runGet(cmd *cobra.Command, a *app, opts *getOptions, url string) error {
	var header courier.Header
	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	body := []byte(opts.data)
	if path, ok := strings.CutPrefix(opts.data, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
		body = data
	}

	config := a.config.Client
	config.KeepAlive = false
	c, err := courier.NewClient(config)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	resp, err := c.Do(ctx, strings.ToUpper(opts.method), url, &header, body)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.include {
		fmt.Fprintf(out, "%s %d %s\n", resp.Proto, resp.StatusCode, resp.Reason)
		for _, f := range resp.Header.Fields() {
			fmt.Fprintf(out, "%s: %s\n", f.Name, f.Value)
		}
		fmt.Fprintln(out)
	}
	_, err = out.Write(resp.Body)
	return err
}

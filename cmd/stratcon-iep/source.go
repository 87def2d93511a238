package main

import (
	"context"
	"log/slog"
	"strings"

	"github.com/c360/stratcon/config"
	"github.com/c360/stratcon/natsclient"
	"github.com/c360/stratcon/statement"
)

// definitionSource yields statement definitions and, optionally, changes
// to them
type definitionSource interface {
	Load(ctx context.Context) (*statement.Definitions, error)
	Watch(ctx context.Context, fn func(*statement.Definitions)) error
	Close(ctx context.Context) error
}

type fileSource struct {
	path     string
	debounce config.Duration
	logger   *slog.Logger
}

func (s *fileSource) Load(context.Context) (*statement.Definitions, error) {
	return statement.LoadFile(s.path)
}

func (s *fileSource) Watch(ctx context.Context, fn func(*statement.Definitions)) error {
	w, err := statement.NewWatcher(s.path, s.debounce.Std(), s.logger)
	if err != nil {
		return err
	}
	return w.Run(ctx, fn)
}

func (s *fileSource) Close(context.Context) error { return nil }

type kvSource struct {
	*statement.KVSource
	client *natsclient.Client
}

func (s *kvSource) Close(ctx context.Context) error { return s.client.Close(ctx) }

// openSource picks the KV bucket when one is configured, the file otherwise
func openSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (definitionSource, error) {
	if cfg.Statements.Bucket == "" {
		return &fileSource{path: cfg.Statements.File, debounce: cfg.Statements.Debounce, logger: logger}, nil
	}

	client, err := natsclient.NewClient(strings.Join(cfg.KVEndpoints(), ","),
		natsclient.WithName(appName+"-statements"),
		natsclient.WithCredentials(cfg.Broker.Username, cfg.Broker.Password),
		natsclient.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	bucket, err := client.GetKeyValueBucket(ctx, cfg.Statements.Bucket)
	if err != nil {
		_ = client.Close(ctx)
		return nil, err
	}
	return &kvSource{KVSource: statement.NewKVSource(bucket, logger), client: client}, nil
}

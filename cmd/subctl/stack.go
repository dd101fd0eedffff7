package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/armatrix/subctl"
	"github.com/armatrix/subctl/auth"
	"github.com/armatrix/subctl/gateway"
	"github.com/armatrix/subctl/internal/config"
	"github.com/armatrix/subctl/local"
	"github.com/armatrix/subctl/registry"
	"github.com/armatrix/subctl/session"
	"github.com/armatrix/subctl/tools"
)

// stack is the wired controller and everything it owns.
type stack struct {
	ctrl    *subctl.Controller
	runs    *registry.SQLite
	backend subctl.Backend

	// local is set when the backend runs in-process.
	local *local.Backend

	closers []func() error
}

// newStack wires settings into a Controller. The streamer is only used by
// the local backend; nil selects the Anthropic API client.
func newStack(ctx context.Context, s *config.Settings, streamer local.MessageStreamer, log *zap.Logger) (*stack, error) {
	st := &stack{}
	store := session.NewFileStore()
	toolReg := tools.NewRegistry()
	regOpts := []registry.Option{registry.WithLogger(log)}

	switch s.Backend {
	case config.BackendGateway:
		client, err := gateway.Dial(ctx, s.GatewayURL,
			gateway.WithToken(s.GatewayToken),
			gateway.WithLogger(log),
			gateway.WithCallTimeout(s.CallTimeout()),
		)
		if err != nil {
			return nil, err
		}
		st.backend = client
		st.closers = append(st.closers, client.Close)
	default:
		if streamer == nil {
			client := anthropic.NewClient()
			streamer = local.NewMessageStreamer(&client.Messages)
		}
		lb := local.New(streamer, store, localOptions(s, toolReg, log)...)
		st.backend = lb
		st.local = lb
		st.closers = append(st.closers, lb.Close)
	}
	regOpts = append(regOpts, registry.WithStopHook(
		subctl.BackendStopHook(st.backend, store, subctl.StorePathInDir(s.StoreDir), log),
	))

	if dir := filepath.Dir(s.RegistryDSN); s.RegistryDSN != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			st.Close()
			return nil, fmt.Errorf("create registry directory: %w", err)
		}
	}
	runs, err := registry.OpenSQLite(s.RegistryDSN, regOpts...)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.runs = runs
	st.closers = append(st.closers, runs.Close)

	authz, err := newAuthorizer(ctx, s)
	if err != nil {
		st.Close()
		return nil, err
	}

	opts := []subctl.Option{
		subctl.WithLogger(log),
		subctl.WithStoreDir(s.StoreDir),
		subctl.WithRecencyWindow(s.RecencyWindow()),
		subctl.WithSendTimeout(s.SendTimeout()),
		subctl.WithCallTimeout(s.CallTimeout()),
		subctl.WithLogLimit(s.HistoryLimit),
		subctl.WithAnnouncer(subctl.BackendAnnouncer(st.backend, log)),
	}
	if authz != nil {
		opts = append(opts, subctl.WithAuthorizer(authz))
	}
	st.ctrl = subctl.NewController(runs, st.backend, store, opts...)
	st.closers = append(st.closers, st.ctrl.Close)

	tools.RegisterSubagentTools(toolReg, st.ctrl)
	return st, nil
}

func localOptions(s *config.Settings, toolReg *tools.Registry, log *zap.Logger) []local.Option {
	opts := []local.Option{
		local.WithLogger(log),
		local.WithTools(toolReg),
		local.WithStorePath(subctl.StorePathInDir(s.StoreDir)),
		local.WithTranscriptDir(filepath.Join(s.StoreDir, "transcripts")),
	}
	if s.Model != "" {
		opts = append(opts, local.WithModel(anthropic.Model(s.Model)))
	}
	if s.MaxTokens > 0 {
		opts = append(opts, local.WithMaxTokens(s.MaxTokens))
	}
	if s.MaxTurns > 0 {
		opts = append(opts, local.WithMaxTurns(s.MaxTurns))
	}
	if s.SystemPrompt != "" {
		opts = append(opts, local.WithSystemPrompt(s.SystemPrompt))
	}
	return opts
}

// newAuthorizer combines the sender globs and the rego policy. It returns
// nil when neither is configured.
func newAuthorizer(ctx context.Context, s *config.Settings) (subctl.Authorizer, error) {
	var all auth.All
	if len(s.AuthorizedSenders) > 0 {
		g, err := auth.NewGlobs(s.AuthorizedSenders...)
		if err != nil {
			return nil, err
		}
		all = append(all, g)
	}
	if s.PolicyFile != "" {
		p, err := auth.LoadPolicy(ctx, s.PolicyFile)
		if err != nil {
			return nil, err
		}
		all = append(all, p)
	}
	switch len(all) {
	case 0:
		return nil, nil
	case 1:
		return all[0], nil
	default:
		return all, nil
	}
}

// reap archives expired run records every interval until ctx is done.
func (st *stack) reap(ctx context.Context, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := st.runs.Archive(ctx, now.UnixMilli())
			if err != nil {
				log.Warn("archive expired runs", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("archived expired runs", zap.Int("count", n))
			}
		}
	}
}

// Close releases everything in reverse wiring order.
func (st *stack) Close() error {
	var errs []error
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	st.closers = nil
	return errors.Join(errs...)
}

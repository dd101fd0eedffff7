package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/armatrix/subctl"
	"github.com/armatrix/subctl/gateway"
	"github.com/armatrix/subctl/httpapi"
)

// errNotCommand is returned by exec for text that is not a subagent command.
var errNotCommand = errors.New("not a subagent command")

func runExec(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := newStack(ctx, settings, nil, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	req := subctl.Request{
		RequesterSessionKey: args[0],
		Caller:              subctl.Caller{Channel: execChannel, SenderID: execSender, Owner: execOwner},
		Text:                strings.Join(args[1:], " "),
	}
	return execute(ctx, st.ctrl, req, cmd.OutOrStdout())
}

// execute handles req and prints the reply. Denied commands print nothing.
func execute(ctx context.Context, ctrl httpapi.Controller, req subctl.Request, w io.Writer) error {
	reply := ctrl.Handle(ctx, req)
	if reply.Continue {
		return errNotCommand
	}
	if reply.Text != "" {
		fmt.Fprintln(w, reply.Text)
	}
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := newStack(ctx, settings, nil, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return printRuns(ctx, st.ctrl, args[0], cmd.OutOrStdout())
}

func printRuns(ctx context.Context, ctrl httpapi.Controller, requester string, w io.Writer) error {
	listing, err := ctrl.Listing(ctx, requester)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(httpapi.NewRunsResponse(requester, listing))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	st, err := newStack(ctx, settings, nil, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	opts := []httpapi.Option{
		httpapi.WithLogger(logger),
		httpapi.WithToken(settings.GatewayToken),
	}
	if exposeGateway {
		if st.local == nil {
			return errors.New("--expose-gateway needs the local backend")
		}
		opts = append(opts, httpapi.WithGateway(gateway.NewServer(st.local,
			gateway.WithServerToken(settings.GatewayToken),
			gateway.WithServerLogger(logger),
		)))
	}
	e := httpapi.NewHandler(st.ctrl, opts...).Echo()

	addr := listenAddr
	if addr == "" {
		addr = settings.ListenAddr
	}

	go st.reap(ctx, settings.ReapInterval(), logger)

	// Start server
	go func() {
		logger.Info("starting server", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			cancel()
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

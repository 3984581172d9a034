package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zhijianma/copaw/internal/agent"
	"github.com/zhijianma/copaw/internal/config"
)

// shutdownTimeout bounds the final snapshot and summary drain.
const shutdownTimeout = 30 * time.Second

// runChat reads user lines from stdin and prints replies to stdout until
// EOF or ctx is cancelled. Logs go to stderr.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath, sessionID string) error {
	return runChatWith(ctx, stdin, stdout, stderr, configPath, sessionID, nil)
}

func runChatWith(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath, sessionID string, responder agent.Responder) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stderr, level, cfg.LogFormat)
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	} else {
		logger.Info("no config file found, using defaults")
	}

	a, err := newApp(ctx, cfg, logger, responder)
	if err != nil {
		return err
	}
	a.restore(ctx)
	if a.checkpointer != nil {
		a.checkpointer.Start()
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		a.shutdown(sctx)
	}()

	session, err := a.sessions.GetOrCreate(sessionID)
	if err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stdin)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" {
				return nil
			}

			res, err := session.Turn(ctx, line)
			if err != nil {
				fmt.Fprintf(stdout, "error: %v\n\n", err)
				continue
			}
			fmt.Fprintf(stdout, "%s\n\n", res.Reply.Text())
		}
	}
}

// Command steel-served stands up one multiserver.Server with a single echo
// service over the wire framing, wiring the threadpool and the signal
// monitor together end to end. Send SIGTERM (or ctrl-C) to drain and exit.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackstrix/steel-corepool/multiserver"
	"github.com/hackstrix/steel-corepool/threadpool"
	"github.com/hackstrix/steel-corepool/wire"
)

func main() {
	threads := flag.Int("threads", threadpool.DefaultThreads, "worker pool size (one slot is reserved for the signal monitor)")
	queueSize := flag.Int("queue", threadpool.DefaultQueue, "task queue capacity")
	port := flag.Int("port", 8080, "echo service listen port (0 = ephemeral)")
	inline := flag.Bool("inline", false, "run sessions inline on the accept loop instead of the pool")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMicro}).
		With().Timestamp().Logger()
	if !*debug {
		logger = logger.Level(zerolog.InfoLevel)
	}

	logger.Info().
		Int("threads", *threads).
		Int("queue", *queueSize).
		Int("port", *port).
		Msg("starting steel-served")

	attrs := threadpool.NewAttrs(
		threadpool.WithThreadCount(*threads),
		threadpool.WithQueueSize(*queueSize),
		threadpool.WithBlockOnAdd(threadpool.Enabled),
		threadpool.WithLogger(logger),
	)

	srv, err := multiserver.New(0, attrs)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create server")
	}

	if err := srv.OpenInetSocket("echo", *port); err != nil {
		logger.Fatal().Err(err).Msg("failed to open echo socket")
	}

	flags := multiserver.ThreadedSessions
	if *inline {
		flags = multiserver.Inline
	}
	if err := srv.RegisterService("echo", echoHandler(logger), flags); err != nil {
		logger.Fatal().Err(err).Msg("failed to register echo service")
	}

	addr, _ := srv.Addr("echo")
	logger.Info().Str("addr", addr.String()).Msg("echo service ready")

	// RunServer returns when the signal monitor observes SIGINT/SIGTERM.
	if err := srv.RunServer(context.Background()); err != nil {
		logger.Error().Err(err).Msg("run loop failed")
	}

	logger.Info().Msg("shutting down")
	if err := srv.Destroy(); err != nil {
		logger.Error().Err(err).Msg("destroy failed")
	}
}

// echoHandler reads framed packets until the peer closes and writes each
// one back with the same data type.
func echoHandler(logger zerolog.Logger) multiserver.Handler {
	return func(sess *multiserver.Session) error {
		for {
			dataType, payload, err := wire.ReadFrame(sess.Conn)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				logger.Debug().Str("session", sess.ID).Err(err).Msg("read frame failed, dropping client")
				return nil
			}
			if err := wire.WriteFrame(sess.Conn, dataType, payload); err != nil {
				return err
			}
		}
	}
}

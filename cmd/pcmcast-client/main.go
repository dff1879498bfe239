// Command pcmcast-client connects to a pcmcast server, decodes the chunk
// stream and writes the raw PCM payloads to stdout or a file.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/zsiec/pcmcast/internal/chunk"
)

type options struct {
	server    string
	output    string
	count     int
	reconnect time.Duration
	verbose   bool
}

func main() {
	var opts options
	flag.StringVarP(&opts.server, "server", "s", "127.0.0.1:1704", "server address")
	flag.StringVarP(&opts.output, "output", "o", "-", "file to write PCM to (- for stdout)")
	flag.IntVarP(&opts.count, "count", "n", 0, "stop after this many chunks (0 runs until interrupted)")
	flag.DurationVar(&opts.reconnect, "reconnect", 0, "delay before reconnecting after the stream ends (0 exits)")
	flag.BoolVarP(&opts.verbose, "verbose", "v", false, "log per-chunk timing")
	flag.Parse()

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := io.Writer(os.Stdout)
	if opts.output != "-" {
		f, err := os.Create(opts.output)
		if err != nil {
			slog.Error("failed to open output", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}
	bw := bufio.NewWriter(out)
	defer bw.Flush()

	received := 0
	for {
		n, err := receive(ctx, opts, bw, opts.count-received)
		received += n
		switch {
		case ctx.Err() != nil:
			return
		case opts.count > 0 && received >= opts.count:
			return
		case err != nil:
			slog.Warn("stream ended", "error", err, "chunks", received)
		default:
			slog.Info("server closed the stream", "chunks", received)
		}
		if opts.reconnect <= 0 {
			if err != nil {
				bw.Flush()
				os.Exit(1)
			}
			return
		}
		select {
		case <-time.After(opts.reconnect):
		case <-ctx.Done():
			return
		}
	}
}

// receive connects once and copies payloads to w until the stream ends,
// ctx is cancelled, or limit chunks were received (limit <= 0 is no limit).
func receive(ctx context.Context, opts options, w *bufio.Writer, limit int) (int, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", opts.server)
	if err != nil {
		return 0, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	slog.Info("connected", "server", conn.RemoteAddr().String())

	dec := chunk.NewDecoder(bufio.NewReader(conn))
	var last chunk.Timestamp
	n := 0
	for limit <= 0 || n < limit {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return n, nil
			}
			return n, err
		}
		n++

		ts := f.Header.Timestamp().Time()
		slog.Debug("chunk",
			"seq", n,
			"timestamp", ts.Format(time.RFC3339Nano),
			"bytes", f.Header.PayloadLength,
			"spacing", ts.Sub(last.Time()),
			"latency", time.Since(ts))
		last = f.Header.Timestamp()

		if _, err := w.Write(f.Payload); err != nil {
			return n, fmt.Errorf("write output: %w", err)
		}
	}
	return n, nil
}

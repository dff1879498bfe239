// Command pcm-push feeds a pcmcast server with raw PCM at real-time rate,
// either through its named pipe or by publishing to its SRT source. The
// audio comes from a raw PCM file, looped, or from a generated sine tone.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/pcmcast/internal/chunk"
)

func main() {
	fileFlag := flag.String("file", "", "raw interleaved PCM file to loop (default: sine tone)")
	fifoFlag := flag.String("fifo", "", "named pipe to write to")
	srtFlag := flag.String("srt", "", "SRT listener address to publish to")
	streamIDFlag := flag.String("stream-id", "live/pcm", "SRT stream ID")
	rateFlag := flag.Int("sample-rate", 48000, "sample rate in Hz")
	channelsFlag := flag.Int("channels", 2, "number of channels")
	bitsFlag := flag.Int("bits-per-sample", 16, "bits per sample")
	freqFlag := flag.Float64("freq", 440, "tone frequency in Hz")
	flag.Parse()

	format := chunk.Format{SampleRate: *rateFlag, Channels: *channelsFlag, BitsPerSample: *bitsFlag}
	if err := format.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	if (*fifoFlag == "") == (*srtFlag == "") {
		fmt.Fprintf(os.Stderr, "Usage: pcm-push (--fifo PATH | --srt HOST:PORT) [--file raw.pcm]\n")
		os.Exit(2)
	}

	var data []byte
	if *fileFlag != "" {
		b, err := os.ReadFile(*fileFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read file: %v\n", err)
			os.Exit(1)
		}
		data = b
	} else {
		data = tone(format, *freqFlag, time.Second)
	}
	if frame := format.FrameSize(); len(data) < frame || len(data)%frame != 0 {
		fmt.Fprintf(os.Stderr, "PCM data is not a whole number of %d-byte frames\n", frame)
		os.Exit(1)
	}

	bytesPerSec := float64(format.SampleRate * format.FrameSize())
	chunkSize := writeChunkSize(format)
	fmt.Printf("Format %s, %d bytes looped, %.0f bytes/sec\n", format, len(data), bytesPerSec)

	for {
		w, target, err := connect(*fifoFlag, *srtFlag, *streamIDFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] connect failed: %v, retrying...\n", target, err)
			time.Sleep(time.Second)
			continue
		}

		fmt.Printf("[%s] Connected, streaming continuously\n", target)
		writeErr := streamLoop(w, data, bytesPerSec, chunkSize, target)
		w.Close()

		if writeErr != nil {
			fmt.Fprintf(os.Stderr, "[%s] Connection lost: %v, reconnecting...\n", target, writeErr)
			time.Sleep(time.Second)
		}
	}
}

func connect(fifo, addr, streamID string) (io.WriteCloser, string, error) {
	if fifo != "" {
		// Blocks until the server opens the pipe for reading.
		f, err := os.OpenFile(fifo, os.O_WRONLY, 0)
		return f, fifo, err
	}

	cfg := srt.DefaultConfig()
	cfg.StreamID = streamID
	conn, err := srt.Dial(addr, cfg)
	if err != nil {
		return nil, addr, err
	}
	return srtWriter{conn}, addr, nil
}

type srtWriter struct {
	conn *srt.Conn
}

func (w srtWriter) Write(p []byte) (int, error) { return w.conn.Write(p) }

func (w srtWriter) Close() error {
	w.conn.Close()
	return nil
}

// writeChunkSize is the largest whole number of frames fitting in one
// 1316-byte SRT payload.
func writeChunkSize(f chunk.Format) int {
	frame := f.FrameSize()
	n := 1316 / frame * frame
	if n == 0 {
		n = frame
	}
	return n
}

// tone returns d of a full-scale-minus-6dB sine at freq, identical on every
// channel, as little-endian signed PCM.
func tone(f chunk.Format, freq float64, d time.Duration) []byte {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	width := f.BitsPerSample / 8
	out := make([]byte, frames*f.FrameSize())
	peak := math.Ldexp(0.5, f.BitsPerSample-1)

	var sample [8]byte
	for i := range frames {
		v := int64(math.Round(peak * math.Sin(2*math.Pi*freq*float64(i)/float64(f.SampleRate))))
		binary.LittleEndian.PutUint64(sample[:], uint64(v))
		if width == 1 {
			// 8-bit PCM is unsigned.
			sample[0] = byte(v + 128)
		}
		for c := range f.Channels {
			copy(out[(i*f.Channels+c)*width:], sample[:width])
		}
	}
	return out
}

func streamLoop(w io.Writer, data []byte, bytesPerSec float64, chunkSize int, target string) error {
	globalStart := time.Now()
	var totalBytesSent int64
	lastLog := time.Now()
	const logInterval = 10 * time.Second

	for loop := 1; ; loop++ {
		for i := 0; i < len(data); i += chunkSize {
			end := min(i+chunkSize, len(data))

			if _, err := w.Write(data[i:end]); err != nil {
				return err
			}
			totalBytesSent += int64(end - i)

			// Pace against the global clock so timing is continuous across
			// loop boundaries, with no burst or gap at the seam.
			expectedTime := float64(totalBytesSent) / bytesPerSec
			elapsed := time.Since(globalStart).Seconds()
			if expectedTime > elapsed {
				time.Sleep(time.Duration((expectedTime - elapsed) * float64(time.Second)))
			}

			if time.Since(lastLog) >= logInterval {
				actualRate := float64(totalBytesSent) / time.Since(globalStart).Seconds()
				fmt.Printf("[%s] loop=%d rate=%.0f B/s (target=%.0f) total=%.1f MB\n",
					target, loop, actualRate, bytesPerSec,
					float64(totalBytesSent)/(1024*1024))
				lastLog = time.Now()
			}
		}
	}
}

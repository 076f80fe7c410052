package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxlink/streamasr/pkg/openspeech"
	"github.com/voxlink/streamasr/pkg/pcm"
)

var (
	streamRealtime bool
	streamJSON     bool
	streamWait     time.Duration
)

var streamCmd = &cobra.Command{
	Use:   "stream <audio.pcm>",
	Short: "Stream a local PCM file for recognition",
	Long: `Stream a raw PCM file to the recognition backend and print
transcription results as they arrive.

The file must match the audio format declared in the session config
(default: 16kHz mono 16-bit little-endian PCM). With --realtime the
audio is paced at playback speed, which mimics a live microphone feed
and exercises interim results.

Examples:
  streamasr -f session.yaml stream input.pcm
  streamasr -f session.yaml stream --realtime input.pcm
  streamasr -f session.yaml stream --json input.pcm > transcripts.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runStream,
}

func init() {
	streamCmd.Flags().BoolVar(&streamRealtime, "realtime", false, "pace audio at playback speed")
	streamCmd.Flags().BoolVar(&streamJSON, "json", false, "print transcripts as JSON lines")
	streamCmd.Flags().DurationVar(&streamWait, "wait", 10*time.Second, "how long to wait for the final transcript after audio ends")
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}

	audio, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read audio file: %w", err)
	}
	if len(audio) == 0 {
		return fmt.Errorf("audio file %s is empty", args[0])
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	session, err := openspeech.NewStreamSession(cfg)
	if err != nil {
		return err
	}
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.Close()

	feedDone := make(chan error, 1)
	go func() {
		feedDone <- feedAudio(ctx, session, cfg.Format, audio)
	}()

	start := time.Now()
	var fed bool
	var timeout <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-feedDone:
			if err != nil {
				return err
			}
			fed = true
			timeout = time.After(streamWait)
			feedDone = nil

		case <-timeout:
			return fmt.Errorf("timed out waiting for final transcript")

		case ev, ok := <-session.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case openspeech.EventResult:
				printTranscript(start, ev.Transcript)
				if fed && ev.Transcript.IsFinal {
					return nil
				}
			case openspeech.EventError:
				fmt.Fprintln(os.Stderr, "error:", ev.Err)
			case openspeech.EventClosed:
				return nil
			}
		}
	}
}

// feedAudio writes the file to the session in segment-sized frames,
// retrying through reconnect windows.
func feedAudio(ctx context.Context, session *openspeech.StreamSession, format pcm.Format, audio []byte) error {
	if format == (pcm.Format{}) {
		format = pcm.L16Mono16K
	}
	frameBytes := format.BytesInDuration(100 * time.Millisecond)

	for off := 0; off < len(audio); off += frameBytes {
		end := min(off+frameBytes, len(audio))
		frame := openspeech.AudioFrame{
			Data:        audio[off:end],
			EndOfSpeech: end == len(audio),
		}

		for {
			err := session.WriteFrame(frame)
			if err == nil {
				break
			}
			if !errors.Is(err, openspeech.ErrNotConnected) {
				return err
			}
			// Reconnect in progress, hold the frame and retry
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}

		if streamRealtime && !frame.EndOfSpeech {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(format.Duration(int64(end - off))):
			}
		}
	}
	return nil
}

func printTranscript(start time.Time, t *openspeech.Transcript) {
	if streamJSON {
		data, err := json.Marshal(t)
		if err != nil {
			return
		}
		fmt.Println(string(data))
		return
	}
	marker := " "
	if t.IsFinal {
		marker = "*"
	}
	fmt.Printf("[%8s]%s %s\n", time.Since(start).Round(10*time.Millisecond), marker, t.Text)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-asr-sidecar/internal/audio"
	"github.com/loqalabs/loqa-asr-sidecar/internal/host"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'health', 'transcribe' or 'version'")
		os.Exit(2)
	}

	var (
		sidecarCmd   string
		filePath     string
		silence      time.Duration
		language     string
		systemPrompt string
		timeout      time.Duration
		verbose      bool
	)
	common := func(fs *flag.FlagSet) {
		fs.StringVar(&sidecarCmd, "sidecar", "asr-sidecar", "Command that starts the sidecar")
		fs.DurationVar(&timeout, "timeout", 2*time.Minute, "Overall deadline")
		fs.BoolVar(&verbose, "v", false, "Log sidecar stderr")
	}

	healthCmd := flag.NewFlagSet("health", flag.ExitOnError)
	common(healthCmd)
	transcribeCmd := flag.NewFlagSet("transcribe", flag.ExitOnError)
	common(transcribeCmd)
	transcribeCmd.StringVar(&filePath, "file", "", "Audio file the sidecar should read")
	transcribeCmd.DurationVar(&silence, "silence", 0, "Send this much generated silence instead of a file")
	transcribeCmd.StringVar(&language, "language", "", "Language hint")
	transcribeCmd.StringVar(&systemPrompt, "system-prompt", "", "Per-call system prompt")

	var err error
	switch os.Args[1] {
	case "health":
		healthCmd.Parse(os.Args[2:])
		err = withSidecar(sidecarCmd, timeout, verbose, runHealth)
	case "transcribe":
		transcribeCmd.Parse(os.Args[2:])
		if filePath == "" && silence <= 0 {
			fmt.Fprintln(os.Stderr, "transcribe needs -file or -silence")
			os.Exit(2)
		}
		opts := host.TranscribeOptions{Language: language, SystemPrompt: systemPrompt}
		err = withSidecar(sidecarCmd, timeout, verbose, func(ctx context.Context, c *host.Client) error {
			return runTranscribe(ctx, c, filePath, silence, opts)
		})
	case "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withSidecar(command string, timeout time.Duration, verbose bool, fn func(context.Context, *host.Client) error) error {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := host.Start(ctx, command, logger)
	if err != nil {
		return fmt.Errorf("start sidecar: %w", err)
	}
	runErr := fn(ctx, client)
	shutdownErr := client.Shutdown(ctx)
	return errors.Join(runErr, shutdownErr)
}

func runHealth(ctx context.Context, c *host.Client) error {
	loaded, err := c.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("model_loaded=%t\n", loaded)
	return nil
}

func runTranscribe(ctx context.Context, c *host.Client, path string, silence time.Duration, opts host.TranscribeOptions) error {
	if err := c.LoadModel(ctx); err != nil {
		return fmt.Errorf("load model: %w", err)
	}

	var (
		transcript host.Transcript
		err        error
	)
	if path != "" {
		transcript, err = c.TranscribeFile(ctx, path, opts)
	} else {
		samples := make([]float32, int(silence.Seconds()*audio.DefaultSampleRate))
		transcript, err = c.Transcribe(ctx, samples, audio.DefaultSampleRate, opts)
	}
	if err != nil {
		return err
	}
	fmt.Println(transcript.Text)
	if transcript.Language != "" {
		fmt.Fprintf(os.Stderr, "language=%s\n", transcript.Language)
	}
	return nil
}

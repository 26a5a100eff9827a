// Command go-client sends one synthesis job to the tts-service over NATS and
// writes the returned clips to disk.
package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/voice-tts-service/internal/config"
	"github.com/book-expert/voice-tts-service/internal/tts"
)

// Flag descriptions.
const (
	flagTextDesc        = "Text to convert to speech"
	flagTextsFileDesc   = "JSON file containing a list of texts to synthesize as one batch"
	flagVoiceDesc       = "Preset voice id (e.g. F1)"
	flagAudioPromptDesc = "Audio file used as the voice-cloning prompt"
	flagTranscriptDesc  = "Transcript of the audio prompt"
	flagSeedDesc        = "Integer seed for reproducible output"
	flagFormatDesc      = "Output format (wav, mp3, flac, ...)"
	flagOutputDesc      = "Output directory for the generated clips"
	flagNATSURLDesc     = "NATS server URL"
	flagSubjectDesc     = "Synthesis subject"
	flagTimeoutDesc     = "Request timeout"
)

// Flag names.
const (
	flagText        = "text"
	flagTextsFile   = "texts-file"
	flagVoice       = "voice"
	flagAudioPrompt = "audio-prompt"
	flagTranscript  = "transcript"
	flagSeed        = "seed"
	flagFormat      = "format"
	flagOutput      = "output"
	flagNATSURL     = "nats-url"
	flagSubject     = "subject"
	flagTimeout     = "timeout"
)

// Error and log messages.
const (
	errEitherTextOrFile    = "either --text or --texts-file must be provided"
	errCannotSpecifyBoth   = "cannot specify both --text and --texts-file"
	errFmtInvalidSeed      = "invalid --seed %q: %w"
	errFmtReadTexts        = "failed to read texts file: %w"
	errFmtParseTexts       = "texts file must contain a JSON list of strings: %w"
	errFmtReadPrompt       = "failed to read audio prompt: %w"
	errFmtServiceError     = "service returned %s: %s"
	logSendingJob          = "Sending %d text(s) to '%s' (workflow %s)"
	logGenerated           = "Generated: %s\n"
	defaultRequestTimeout  = 10 * time.Minute
	clientLogFileName      = "tts-client.log"
	outputFilePermissions  = 0o644
	outputDirPermissions   = 0o755
	clipFileNameFormat     = "clip_%03d.%s"
	singleClipFileNameBase = "output"
)

var (
	// ErrEitherTextOrFile indicates that no input text was given.
	ErrEitherTextOrFile = errors.New(errEitherTextOrFile)
	// ErrCannotSpecifyBoth indicates that both input sources were given.
	ErrCannotSpecifyBoth = errors.New(errCannotSpecifyBoth)
	// ErrServiceFailure indicates that the service replied with an error payload.
	ErrServiceFailure = errors.New("synthesis failed")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text        string
	textsFile   string
	voice       string
	audioPrompt string
	transcript  string
	seed        string
	format      string
	output      string
	natsURL     string
	subject     string
	timeout     time.Duration
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	log, err := logger.New(os.TempDir(), clientLogFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	defer func() { _ = log.Close() }()

	input, err := buildInput(flags)
	if err != nil {
		return err
	}

	natsConnection, err := nats.Connect(flags.natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", flags.natsURL, err)
	}
	defer natsConnection.Close()

	response, err := synthesize(natsConnection, flags, input, log)
	if err != nil {
		return err
	}

	paths, err := writeClips(response, flags.output)
	if err != nil {
		return err
	}

	for _, path := range paths {
		log.Info("Wrote %s", path)
		fmt.Fprintf(stdout, logGenerated, path)
	}

	return nil
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("go-client", flag.ContinueOnError)
	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.StringVar(&flags.textsFile, flagTextsFile, "", flagTextsFileDesc)
	flagSet.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	flagSet.StringVar(&flags.audioPrompt, flagAudioPrompt, "", flagAudioPromptDesc)
	flagSet.StringVar(&flags.transcript, flagTranscript, "", flagTranscriptDesc)
	flagSet.StringVar(&flags.seed, flagSeed, "", flagSeedDesc)
	flagSet.StringVar(&flags.format, flagFormat, "", flagFormatDesc)
	flagSet.StringVar(&flags.output, flagOutput, ".", flagOutputDesc)
	flagSet.StringVar(&flags.natsURL, flagNATSURL, envOr(config.EnvNATSURL, nats.DefaultURL), flagNATSURLDesc)
	flagSet.StringVar(&flags.subject, flagSubject, config.DefaultSynthesizeSubject, flagSubjectDesc)
	flagSet.DurationVar(&flags.timeout, flagTimeout, defaultRequestTimeout, flagTimeoutDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	switch {
	case flags.text == "" && flags.textsFile == "":
		return appFlags{}, ErrEitherTextOrFile
	case flags.text != "" && flags.textsFile != "":
		return appFlags{}, ErrCannotSpecifyBoth
	}

	return flags, nil
}

// buildInput turns the flags into the service's input object.
func buildInput(flags appFlags) (map[string]any, error) {
	input := map[string]any{}

	if flags.text != "" {
		input["text"] = flags.text
	} else {
		texts, err := readTexts(flags.textsFile)
		if err != nil {
			return nil, err
		}

		input["texts"] = texts
	}

	if flags.seed != "" {
		seed, err := strconv.ParseInt(flags.seed, 10, 64)
		if err != nil {
			return nil, fmt.Errorf(errFmtInvalidSeed, flags.seed, err)
		}

		input["seed"] = seed
	}

	if flags.audioPrompt != "" {
		data, err := os.ReadFile(flags.audioPrompt)
		if err != nil {
			return nil, fmt.Errorf(errFmtReadPrompt, err)
		}

		input["audio_prompt"] = base64.StdEncoding.EncodeToString(data)
	}

	optional := map[string]string{
		"voice":                   flags.voice,
		"audio_prompt_transcript": flags.transcript,
		"output_format":           flags.format,
	}

	for key, value := range optional {
		if value != "" {
			input[key] = value
		}
	}

	return input, nil
}

func readTexts(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf(errFmtReadTexts, err)
	}

	var texts []string

	err = json.Unmarshal(data, &texts)
	if err != nil {
		return nil, fmt.Errorf(errFmtParseTexts, err)
	}

	return texts, nil
}

// synthesize sends the job envelope and decodes the reply.
func synthesize(natsConnection *nats.Conn, flags appFlags, input map[string]any, log *logger.Logger) (tts.Response, error) {
	header := events.EventHeader{
		Timestamp:  time.Now().UTC(),
		WorkflowID: uuid.NewString(),
		EventID:    uuid.NewString(),
	}

	payload, err := json.Marshal(map[string]any{"header": header, "input": input})
	if err != nil {
		return tts.Response{}, fmt.Errorf("failed to marshal job: %w", err)
	}

	count := 1
	if texts, ok := input["texts"].([]string); ok {
		count = len(texts)
	}

	log.Info(logSendingJob, count, flags.subject, header.WorkflowID)

	reply, err := natsConnection.Request(flags.subject, payload, flags.timeout)
	if err != nil {
		return tts.Response{}, fmt.Errorf("request to '%s' failed: %w", flags.subject, err)
	}

	var response tts.Response

	err = json.Unmarshal(reply.Data, &response)
	if err != nil {
		return tts.Response{}, fmt.Errorf("failed to decode reply: %w", err)
	}

	if response.Failed() {
		return response, fmt.Errorf("%w: "+errFmtServiceError, ErrServiceFailure, response.Failure.Code, response.Failure.Message)
	}

	return response, nil
}

// writeClips writes every clip into outputDir and returns the file paths in order.
func writeClips(response tts.Response, outputDir string) ([]string, error) {
	err := os.MkdirAll(outputDir, outputDirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	format := strings.ToLower(response.Format)
	paths := make([]string, len(response.Clips))

	for i, clip := range response.Clips {
		name := fmt.Sprintf(clipFileNameFormat, i, format)
		if response.Single {
			name = singleClipFileNameBase + "." + format
		}

		path := filepath.Join(outputDir, name)

		err = os.WriteFile(path, clip, outputFilePermissions)
		if err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}

		paths[i] = path
	}

	return paths, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return fallback
}

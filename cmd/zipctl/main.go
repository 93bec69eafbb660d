// Command zipctl submits bundling jobs to zipapi and fetches the finished archives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/zip-bundler/bundle/network"
	_ "github.com/joho/godotenv/autoload"
)

const (
	exitSuccess     = 0
	exitError       = 1
	exitInvalidArgs = 2
	exitPending     = 3

	apiURLEnvKey  = "ZIP_API_URL"
	defaultAPIURL = "http://localhost:8080"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitInvalidArgs
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	command, cmdArgs := args[0], args[1:]
	var err error
	switch command {
	case "submit":
		err = runSubmit(ctx, cmdArgs)
	case "status":
		err = runStatus(ctx, cmdArgs)
	case "wait":
		err = runWait(ctx, cmdArgs)
	case "download":
		err = runDownload(ctx, cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return exitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return exitInvalidArgs
	}

	var usage usageError
	switch {
	case err == nil:
		return exitSuccess
	case errors.As(err, &usage):
		fmt.Fprintln(os.Stderr, err)
		return exitInvalidArgs
	case errors.Is(err, network.ErrJobPending):
		fmt.Fprintln(os.Stderr, err)
		return exitPending
	default:
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return exitError
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: zipctl <command> [options]

Commands:
  submit    Submit a bundling job and print its id
  status    Print the status of a job
  wait      Poll a job until it is ready and print its download link
  download  Download the archive of a ready job

The API address is taken from -api or ZIP_API_URL.
Run 'zipctl <command> -h' for command-specific help.`)
}

type usageError struct {
	msg string
}

func (e usageError) Error() string {
	return e.msg
}

type commonFlags struct {
	apiURL  string
	verbose bool
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	common := &commonFlags{}
	apiURL := os.Getenv(apiURLEnvKey)
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	fs.StringVar(&common.apiURL, "api", apiURL, "Base URL of zipapi")
	fs.BoolVar(&common.verbose, "v", false, "Verbose logging")
	return fs, common
}

func (c commonFlags) client() (network.APIClient, log.Logger) {
	logger := log.NewLogger()
	logger.EnableDebugLog(c.verbose)
	return network.NewAPIClient(network.NewRetryableClient(logger), strings.TrimSuffix(c.apiURL, "/"), logger), logger
}

func jobIDArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", usageError{msg: fmt.Sprintf("%s: exactly one job id is required", fs.Name())}
	}
	return fs.Arg(0), nil
}

func runSubmit(ctx context.Context, args []string) error {
	fs, common := newFlagSet("submit")
	bucket := fs.String("bucket", "", "Source bucket (required)")
	keys := fs.String("keys", "", "Comma separated list of source keys (required)")
	targetBucket := fs.String("target-bucket", "", "Destination bucket, defaults to the source bucket")
	prefix := fs.String("prefix", "", "Destination key prefix")
	ttl := fs.Duration("ttl", 0, "Lifetime of the download link")
	if err := fs.Parse(args); err != nil {
		return usageError{msg: err.Error()}
	}
	if *bucket == "" || *keys == "" {
		return usageError{msg: "submit: -bucket and -keys are required"}
	}

	client, _ := common.client()
	resp, err := client.SubmitJob(ctx, network.SubmitJobRequest{
		SourceBucket:      *bucket,
		Keys:              splitKeys(*keys),
		TargetBucket:      *targetBucket,
		TargetPrefix:      *prefix,
		PresignTTLSeconds: int64(ttl.Seconds()),
	})
	if err != nil {
		return err
	}
	fmt.Println(resp.JobID)
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	fs, common := newFlagSet("status")
	if err := fs.Parse(args); err != nil {
		return usageError{msg: err.Error()}
	}
	jobID, err := jobIDArg(fs)
	if err != nil {
		return err
	}

	client, _ := common.client()
	status, err := client.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(status)
}

func runWait(ctx context.Context, args []string) error {
	fs, common := newFlagSet("wait")
	attempts := fs.Uint("attempts", 60, "Number of status checks")
	interval := fs.Duration("interval", 5*time.Second, "Pause between status checks")
	if err := fs.Parse(args); err != nil {
		return usageError{msg: err.Error()}
	}
	jobID, err := jobIDArg(fs)
	if err != nil {
		return err
	}

	client, logger := common.client()
	logger.Infof("Waiting for job %s", jobID)
	status, err := client.WaitForJob(ctx, jobID, *attempts, *interval)
	if err != nil {
		return err
	}
	fmt.Println(status.DownloadURL)
	return nil
}

func runDownload(ctx context.Context, args []string) error {
	fs, common := newFlagSet("download")
	output := fs.String("o", "", "Output file, defaults to <job id>.zip")
	if err := fs.Parse(args); err != nil {
		return usageError{msg: err.Error()}
	}
	jobID, err := jobIDArg(fs)
	if err != nil {
		return err
	}
	if *output == "" {
		*output = jobID + ".zip"
	}

	client, logger := common.client()
	status, err := client.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if status.DownloadURL == "" {
		return fmt.Errorf("job %s: %w", jobID, network.ErrJobPending)
	}

	start := time.Now()
	if err := network.DownloadArchive(ctx, network.NewRetryableClient(logger).StandardClient(), status.DownloadURL, *output); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	logger.Donef("Archive of job %s saved to %s in %s", jobID, *output, time.Since(start).Round(time.Millisecond))
	return nil
}

func splitKeys(s string) []string {
	var keys []string
	for _, key := range strings.Split(s, ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

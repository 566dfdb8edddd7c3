package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"

	"github.com/drivebucket/drivebucket"
	"github.com/drivebucket/drivebucket/remote"
)

// Global flags
var (
	debug        bool
	printStats   bool
	remoteType   string
	stateDir     string
	folderPath   string
	folderID     string
	clientID     string
	clientSecret string
	driveRootID  string
	rateInterval time.Duration
	rateBurst    int
	errorRate    float64
	compress     bool
	putParallel  int
)

var commands = map[string]string{
	"create":  "Ensure the container folder exists",
	"ls":      "List objects, optionally filtered by prefix",
	"put":     "Upload one or more local files as objects",
	"get":     "Print an object's data to stdout",
	"head":    "Print an object's metadata",
	"rm":      "Delete an object",
	"destroy": "Delete the container folder and everything in it",
}

func main() {
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		printHelp()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "create", "ls", "put", "get", "head", "rm", "destroy":
		runCommand(subcommand, os.Args[2:])
	case "help", "-h", "--help":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", subcommand)
		printHelp()
		os.Exit(1)
	}
}

func runCommand(name string, args []string) {
	flags := flag.NewFlagSet(name, flag.ExitOnError)

	// Get defaults from environment variables
	debugDefault := getEnvBool("DEBUG", false)
	printStatsDefault := getEnvBool("PRINT_STATS", false)
	remoteDefault := getEnv("REMOTE_TYPE", "drive")
	stateDirDefault := getEnv("STATE_DIR", filepath.Join(os.TempDir(), "drivebucket"))
	folderPathDefault := getEnv("FOLDER_PATH", "")
	folderIDDefault := getEnv("FOLDER_ID", "")
	clientIDDefault := getEnv("DRIVE_CLIENT_ID", "")
	clientSecretDefault := getEnv("DRIVE_CLIENT_SECRET", "")
	driveRootDefault := getEnv("DRIVE_ROOT_ID", "")
	errorRateDefault := getEnvFloat("ERROR_RATE", 0.0)

	flags.BoolVar(&debug, "debug", debugDefault, "Enable debug logging to stderr (env: DEBUG)")
	flags.BoolVar(&printStats, "stats", printStatsDefault, "Print remote latency statistics on exit (env: PRINT_STATS)")
	flags.StringVar(&remoteType, "remote", remoteDefault, "Remote type: drive, fake (env: REMOTE_TYPE)")
	flags.StringVar(&stateDir, "state-dir", stateDirDefault, "Directory for the id map, token, and folder id (env: STATE_DIR)")
	flags.StringVar(&folderPath, "folder-path", folderPathDefault, "Container folder path below the remote root (env: FOLDER_PATH)")
	flags.StringVar(&folderID, "folder-id", folderIDDefault, "Container folder id, instead of a path (env: FOLDER_ID)")
	flags.StringVar(&clientID, "client-id", clientIDDefault, "OAuth2 client id for the drive remote (env: DRIVE_CLIENT_ID)")
	flags.StringVar(&clientSecret, "client-secret", clientSecretDefault, "OAuth2 client secret for the drive remote (env: DRIVE_CLIENT_SECRET)")
	flags.StringVar(&driveRootID, "drive-root", driveRootDefault, "Folder id paths resolve against, empty for the drive root (env: DRIVE_ROOT_ID)")
	flags.DurationVar(&rateInterval, "rate-interval", 200*time.Millisecond, "Minimum interval between remote calls, 0 to disable")
	flags.IntVar(&rateBurst, "rate-burst", 5, "Remote call burst size allowed by the rate limiter")
	flags.Float64Var(&errorRate, "error-rate", errorRateDefault, "Error injection rate (0.0-1.0) for testing error handling (env: ERROR_RATE)")
	flags.BoolVar(&compress, "compress", false, "Store object data lz4-compressed")
	flags.IntVar(&putParallel, "put-parallel", 4, "How many files put uploads concurrently")

	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s %s [flags] %s\n\n", os.Args[0], name, commandArgs(name))
		fmt.Fprintf(os.Stderr, "%s.\n\n", commands[name])
		fmt.Fprintf(os.Stderr, "Flags (can also be set via environment variables):\n")
		flags.PrintDefaults()
	}

	flags.Parse(args)
	setupLogging()

	if err := run(name, flags.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func commandArgs(name string) string {
	switch name {
	case "ls":
		return "[prefix]"
	case "put":
		return "<file> [<file>...]"
	case "get", "head", "rm":
		return "<name>"
	}
	return ""
}

func printHelp() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [flags] [args]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Store objects in a remote cloud folder.\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	for _, name := range []string{"create", "ls", "put", "get", "head", "rm", "destroy"} {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", name, commands[name])
	}
	fmt.Fprintf(os.Stderr, "\nRun '%s <command> -h' for more information about a command.\n", os.Args[0])
}

func setupLogging() {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func run(name string, args []string) error {
	ctx := context.Background()

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// One process at a time per state directory: the id map and the
	// persisted folder id are not meant to be shared.
	lock := flock.New(filepath.Join(stateDir, "lock"))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock state directory: %w", err)
	}
	defer lock.Unlock()

	client, stats, err := createClient(ctx)
	if err != nil {
		return err
	}
	if stats != nil {
		defer stats.Report(slog.Default())
	}

	cfg := drivebucket.Config{
		Client:     client,
		StatePath:  filepath.Join(stateDir, "idmap.db"),
		FolderPath: folderPath,
		FolderID:   folderID,
		Compress:   compress,
	}
	if folderPath != "" {
		cfg.PersistedID = loadFolderID()
		cfg.OnFolderID = saveFolderID
	}
	container, err := drivebucket.New(cfg)
	if err != nil {
		return err
	}
	defer container.Close()

	switch name {
	case "create":
		return container.Create(ctx)
	case "destroy":
		return container.Delete(ctx)
	case "ls":
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		return runList(ctx, container, prefix)
	case "put":
		if len(args) == 0 {
			return fmt.Errorf("put requires at least one file")
		}
		return runPut(ctx, container, args)
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("get requires exactly one object name")
		}
		data, err := container.GetObject(ctx, args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	case "head":
		if len(args) != 1 {
			return fmt.Errorf("head requires exactly one object name")
		}
		obj, err := container.HeadObject(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\n  size: %d\n  updated: %s\n  etag: %s\n  class: %s\n",
			obj.Key, obj.Size, obj.Updated.Format(time.RFC3339), obj.ETag, obj.StorageClass)
		return nil
	case "rm":
		if len(args) != 1 {
			return fmt.Errorf("rm requires exactly one object name")
		}
		return container.DeleteObject(ctx, args[0])
	}
	return fmt.Errorf("unknown command: %s", name)
}

func runList(ctx context.Context, container *drivebucket.Container, prefix string) error {
	listing, err := container.ListObjects(ctx, prefix)
	if err != nil {
		return err
	}
	for _, obj := range listing.Objects {
		fmt.Printf("%12d  %s  %s\n", obj.Size, obj.Updated.Format(time.RFC3339), obj.Key)
	}
	if listing.Truncated {
		fmt.Fprintf(os.Stderr, "(listing truncated at %d objects)\n", listing.MaxKeys)
	}
	return nil
}

// runPut uploads each file under its slash-separated path as the logical
// object name.
func runPut(ctx context.Context, container *drivebucket.Container, files []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(putParallel)
	for _, file := range files {
		file := file
		g.Go(func() error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}
			name := filepath.ToSlash(filepath.Clean(file))
			if err := container.PutObject(ctx, name, data); err != nil {
				return fmt.Errorf("failed to store %s: %w", name, err)
			}
			slog.Info("stored object", "name", name, "size", len(data))
			return nil
		})
	}
	return g.Wait()
}

func createClient(ctx context.Context) (remote.Client, *remote.Stats, error) {
	var client remote.Client
	var err error

	switch strings.ToLower(remoteType) {
	case "fake":
		// In-memory remote, useful for trying the tool without credentials.
		// Nothing survives the process.
		client = remote.NewFake()

	case "drive":
		client, err = createDriveClient(ctx)

	default:
		return nil, nil, fmt.Errorf("unknown remote type: %s (supported: drive, fake)", remoteType)
	}
	if err != nil {
		return nil, nil, err
	}

	if errorRate > 0 {
		client = remote.NewFault(client, errorRate)
		fmt.Fprintf(os.Stderr, "[INFO] Error injection enabled with rate: %.2f%%\n", errorRate*100)
	}
	if debug {
		client = remote.NewDebug(client, slog.Default())
	}
	var stats *remote.Stats
	if printStats {
		stats = remote.NewStats(client)
		client = stats
	}
	return client, stats, nil
}

func createDriveClient(ctx context.Context) (remote.Client, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("the drive remote needs -client-id and -client-secret (or DRIVE_CLIENT_ID / DRIVE_CLIENT_SECRET)")
	}

	tokenPath := filepath.Join(stateDir, "token.json")
	tok, err := loadToken(tokenPath)
	if err != nil {
		return nil, err
	}

	oauthCfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
	}
	src := remote.NotifyingTokenSource(oauthCfg.TokenSource(ctx, tok), func(tok *oauth2.Token) {
		if err := saveToken(tokenPath, tok); err != nil {
			slog.Error("failed to persist refreshed token", "error", err)
		}
	})

	return remote.NewDrive(ctx, remote.DriveConfig{
		TokenSource:  src,
		RootID:       driveRootID,
		RateInterval: rateInterval,
		RateBurst:    rateBurst,
	})
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file %s (obtain a token out of band and store it there): %w", path, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token file %s: %w", path, err)
	}
	return &tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns a default value.
// Accepts: true, false, 1, 0, yes, no (case insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvFloat gets a float64 environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var f float64
	if _, err := fmt.Sscanf(value, "%f", &f); err != nil {
		return defaultValue
	}
	return f
}

func loadFolderID() string {
	data, err := os.ReadFile(filepath.Join(stateDir, "folder-id"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func saveFolderID(id string) {
	path := filepath.Join(stateDir, "folder-id")
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		slog.Error("failed to persist folder id", "error", err)
	}
}

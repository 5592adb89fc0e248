package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/ligmir/ligship/internal"
	"github.com/ligmir/ligship/internal/paths"
	"github.com/ligmir/ligship/internal/recipe"
	"github.com/ligmir/ligship/internal/settings"
	"github.com/mattn/go-isatty"
)

// Dotenv file read from the working directory before settings load.
const dotenvFile = ".env"

// Represents the root command for the ligship CLI.
var RootCmd struct {
	Quiet      bool          `short:"q" help:"Suppress informational output."`
	Verbose    bool          `short:"v" help:"Include source locations in log output."`
	Debug      bool          `short:"d" help:"Enable debug output."`
	Config     string        `short:"c" help:"Settings file. Defaults to ${settings}." placeholder:"PATH" type:"path"`
	Socket     string        `short:"s" help:"Override the daemon socket path." placeholder:"PATH"`
	Run        RunCmd        `cmd:"" help:"Build, tag, and push the image for a commit."`
	Serve      ServeCmd      `cmd:"" help:"Start the daemon."`
	Status     StatusCmd     `cmd:"" help:"Show daemon status."`
	Stop       StopCmd       `cmd:"" help:"Stop the daemon."`
	History    HistoryCmd    `cmd:"" help:"List recorded runs."`
	Dockerfile DockerfileCmd `cmd:"" help:"Print the Dockerfile equivalent of a recipe."`
	Version    VersionCmd    `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Builds the bot's runtime image and publishes it to the container registry."),
		kong.UsageOnError(),
		kong.Vars{
			"version":  internal.VersionString(),
			"settings": paths.Settings(),
			"variant":  string(recipe.DefaultVariant),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
//
// Terminals get text records; anything else gets JSON so CI log collectors
// can parse them.
func configureLogger() {
	internal.SetDebug(RootCmd.Debug || internal.IsDebug())
	internal.SetQuiet(RootCmd.Quiet || internal.IsQuiet())
	internal.SetVerbose(RootCmd.Verbose || internal.IsVerbose())

	opts := &slog.HandlerOptions{
		Level:     internal.LogLevel(),
		AddSource: internal.IsVerbose(),
	}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Loads settings from the .env file, the settings file, and the environment.
//
// An explicit --config must exist; the default location is optional.
func loadSettings() (*settings.Settings, error) {
	if err := settings.LoadDotenv(dotenvFile); err != nil {
		return nil, err
	}

	path, required := RootCmd.Config, true
	if path == "" {
		path, required = paths.Settings(), false
	}

	s, err := settings.Load(path, required, nil)
	if err != nil {
		return nil, err
	}

	if RootCmd.Socket != "" {
		s.Daemon.Socket = RootCmd.Socket
	}
	return s, nil
}

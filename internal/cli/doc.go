// Parses flags, loads settings, and runs ligship commands.
//
// Global flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Include source locations in log records.
//	-d, --debug     Enable debug output.
//	-c, --config    Settings file path.
//	-s, --socket    Unix socket path of the daemon.
//
// Commands:
//
//	run          Build, tag, and push the image for a commit.
//	serve        Start the daemon.
//	status       Query the daemon.
//	stop         Ask the daemon to shut down.
//	history      List recorded runs.
//	dockerfile   Print the Dockerfile equivalent of a recipe.
//	version      Show version information.
//
// Flags override build-time defaults set via linker flags. A .env file in the
// working directory is loaded before settings are read, so CI secrets can be
// supplied locally the same way the workflow supplies them.
package cli

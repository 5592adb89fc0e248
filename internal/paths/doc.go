// Provides platform-appropriate paths for ligship.
//
// All paths follow XDG conventions on Linux and platform-native conventions
// on macOS. The program name "ligship" is used as the subdirectory under each
// base path. Runtime files (daemon socket, PID file) live under the runtime
// directory; the dependency cache under the cache directory; the run ledger
// under the state directory; the settings file under the config directory.
package paths

package settings

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/containerd/platforms"
	"github.com/joho/godotenv"
	"github.com/ligmir/ligship/internal/build"
	"github.com/ligmir/ligship/internal/errs"
	"github.com/ligmir/ligship/internal/paths"
	"github.com/ligmir/ligship/internal/pipeline"
	"github.com/ligmir/ligship/internal/recipe"
	"github.com/ligmir/ligship/internal/registry"
	"github.com/ligmir/ligship/internal/runtime"
	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultContainerdAddress   = "/run/containerd/containerd.sock"
	DefaultContainerdNamespace = "ligship"
	DefaultRepository          = "image"
	DefaultTagPrefix           = "ligmir-"
)

// Environment variable names.
const (
	EnvAccessToken      = "DIGITALOCEAN_ACCESS_TOKEN"
	EnvRegistryName     = "REGISTRY_NAME"
	EnvCommit           = "GITHUB_SHA"
	EnvRegistryUsername = "LIGSHIP_REGISTRY_USERNAME"
	EnvRegistryPassword = "LIGSHIP_REGISTRY_PASSWORD"
	envPrefix           = "LIGSHIP_"
)

// Container runtime connection.
type Containerd struct {
	Address     string `toml:"address"`
	Namespace   string `toml:"namespace"`
	Snapshotter string `toml:"snapshotter"`
}

// Image destination.
type Registry struct {
	Host       string `toml:"host"`       // Registry host.
	Name       string `toml:"name"`       // Registry identifier under the host.
	Repository string `toml:"repository"` // Repository under the registry identifier.
	TagPrefix  string `toml:"tag_prefix"` // Prefix of the SHA and latest tags.
	Push       bool   `toml:"push"`       // Push after tagging.
}

// Build inputs.
type Build struct {
	Variant  string `toml:"variant"`  // Built-in recipe.
	Recipe   string `toml:"recipe"`   // Recipe file overriding the variant.
	Platform string `toml:"platform"` // Target platform.
	Remote   string `toml:"remote"`   // Repository URL to clone instead of building in place.
	WorkDir  string `toml:"work_dir"` // Parent directory of temporary clones.
}

type Cache struct {
	Dir string `toml:"dir"`
}

type Ledger struct {
	Path string `toml:"path"`
}

// Daemon endpoints. An empty metrics address disables the metrics listener.
type Daemon struct {
	Socket      string `toml:"socket"`
	MetricsAddr string `toml:"metrics_addr"`
}

// Complete configuration.
type Settings struct {
	Containerd Containerd `toml:"containerd"`
	Registry   Registry   `toml:"registry"`
	Build      Build      `toml:"build"`
	Cache      Cache      `toml:"cache"`
	Ledger     Ledger     `toml:"ledger"`
	Daemon     Daemon     `toml:"daemon"`

	AccessToken      string `toml:"-"` // DigitalOcean registry-management token.
	RegistryUsername string `toml:"-"` // Static registry username.
	RegistryPassword string `toml:"-"` // Static registry password.
	Commit           string `toml:"-"` // Triggering commit from CI.
}

// Returns the built-in defaults.
func Defaults() Settings {
	return Settings{
		Containerd: Containerd{
			Address:     DefaultContainerdAddress,
			Namespace:   DefaultContainerdNamespace,
			Snapshotter: runtime.DefaultSnapshotter,
		},
		Registry: Registry{
			Host:       registry.DefaultHost,
			Repository: DefaultRepository,
			TagPrefix:  DefaultTagPrefix,
			Push:       true,
		},
		Build: Build{
			Variant:  string(recipe.DefaultVariant),
			Platform: build.DefaultPlatform,
			WorkDir:  os.TempDir(),
		},
		Cache:  Cache{Dir: paths.Cache()},
		Ledger: Ledger{Path: paths.Ledger()},
		Daemon: Daemon{Socket: paths.Socket()},
	}
}

// Loads settings from path and the environment.
//
// A missing file is an error only when required is set; otherwise the
// defaults stand. lookup reads environment variables; nil uses
// [os.LookupEnv].
func Load(path string, required bool, lookup func(string) (string, bool)) (*Settings, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	s := Defaults()
	if err := s.decodeFile(path, required); err != nil {
		return nil, err
	}
	s.applyEnv(lookup)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Loads a .env file into the process environment. Variables that are
// already set keep their values. A missing file is ignored.
func LoadDotenv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return errs.Wrapf(ErrInvalidSettings, "%s: %w", path, err)
	}
	return nil
}

// Decodes the TOML file at path over s. Unknown keys are rejected.
func (s *Settings) decodeFile(path string, required bool) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return nil
	}
	if err != nil {
		return errs.Wrapf(ErrInvalidSettings, "load %s: %w", path, err)
	}

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(s); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return errs.Wrapf(ErrInvalidSettings, "parse %s: %s", path, strict.String())
		}
		return errs.Wrapf(ErrInvalidSettings, "parse %s: %w", path, err)
	}
	return nil
}

// Applies environment overrides.
func (s *Settings) applyEnv(lookup func(string) (string, bool)) {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				*dst = strings.TrimSpace(v)
				return
			}
		}
	}

	str(&s.Containerd.Address, envPrefix+"CONTAINERD_ADDRESS")
	str(&s.Containerd.Namespace, envPrefix+"CONTAINERD_NAMESPACE")
	str(&s.Containerd.Snapshotter, envPrefix+"CONTAINERD_SNAPSHOTTER")
	str(&s.Registry.Host, envPrefix+"REGISTRY_HOST")
	str(&s.Registry.Name, envPrefix+"REGISTRY_NAME", EnvRegistryName)
	str(&s.Registry.Repository, envPrefix+"REPOSITORY")
	str(&s.Registry.TagPrefix, envPrefix+"TAG_PREFIX")
	str(&s.Build.Variant, envPrefix+"VARIANT")
	str(&s.Build.Recipe, envPrefix+"RECIPE")
	str(&s.Build.Platform, envPrefix+"PLATFORM")
	str(&s.Build.Remote, envPrefix+"REMOTE")
	str(&s.Build.WorkDir, envPrefix+"WORK_DIR")
	str(&s.Cache.Dir, envPrefix+"CACHE_DIR")
	str(&s.Ledger.Path, envPrefix+"LEDGER")
	str(&s.Daemon.Socket, envPrefix+"SOCKET")
	str(&s.Daemon.MetricsAddr, envPrefix+"METRICS_ADDR")

	str(&s.AccessToken, EnvAccessToken)
	str(&s.RegistryUsername, EnvRegistryUsername)
	str(&s.RegistryPassword, EnvRegistryPassword)
	str(&s.Commit, EnvCommit)

	if v, ok := lookup(envPrefix + "PUSH"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			s.Registry.Push = b
		}
	}
}

// Checks values that can be checked without a run.
func (s *Settings) Validate() error {
	if s.Containerd.Address == "" || s.Containerd.Namespace == "" {
		return errs.Wrapf(ErrInvalidSettings, "containerd address and namespace are required")
	}
	if s.Registry.Host == "" {
		return errs.Wrapf(ErrInvalidSettings, "registry host is required")
	}
	if s.Build.Recipe == "" {
		if _, err := recipe.ParseVariant(s.Build.Variant); err != nil {
			return errs.Wrap(ErrInvalidSettings, err)
		}
	}
	if _, err := platforms.Parse(s.Build.Platform); err != nil {
		return errs.Wrapf(ErrInvalidSettings, "platform %q: %w", s.Build.Platform, err)
	}
	if s.Cache.Dir == "" || s.Ledger.Path == "" {
		return errs.Wrapf(ErrInvalidSettings, "cache dir and ledger path are required")
	}
	return nil
}

// Returns the registry authenticator implied by the credentials.
//
// A DigitalOcean access token selects the DigitalOcean token exchange.
// Otherwise static credentials are used. They may be empty only when
// pushing is disabled; a pushing run without credentials fails to
// authenticate before anything is built.
func (s *Settings) Authenticator() registry.Authenticator {
	if s.AccessToken != "" {
		return registry.NewDigitalOcean(s.AccessToken, s.Registry.Name,
			registry.WithRegistryURL("https://"+s.Registry.Host),
			registry.WithRepository(s.repositoryPath()),
		)
	}
	return registry.Static{
		Host:      s.Registry.Host,
		Username:  s.RegistryUsername,
		Password:  s.RegistryPassword,
		Scope:     "repository:" + s.repositoryPath() + ":pull,push",
		Anonymous: !s.Registry.Push,
	}
}

// Returns the repository path under the registry host.
func (s *Settings) repositoryPath() string {
	return strings.Trim(s.Registry.Name+"/"+s.Registry.Repository, "/")
}

// Returns the run configuration the settings describe.
func (s *Settings) RunConfig() pipeline.RunConfig {
	return pipeline.RunConfig{
		Commit:     s.Commit,
		Remote:     s.Build.Remote,
		Registry:   s.Registry.Host,
		RegistryID: s.Registry.Name,
		Repository: s.Registry.Repository,
		TagPrefix:  s.Registry.TagPrefix,
		Variant:    recipe.Variant(s.Build.Variant),
		RecipePath: s.Build.Recipe,
		Platform:   s.Build.Platform,
		Push:       s.Registry.Push,
	}
}

// Package settings loads ligship's configuration.
//
// Values come from three layers, later layers winning:
//
//  1. Built-in defaults ([Defaults]).
//  2. The TOML settings file, ligship.toml in the XDG config directory
//     unless another path is given.
//  3. Environment variables, including those loaded from a .env file in
//     the working directory. Variables already set in the process
//     environment are never overridden by the .env file.
//
// Secrets (the DigitalOcean access token and registry passwords) are read
// from the environment only. A settings file that contains them fails to
// load.
package settings

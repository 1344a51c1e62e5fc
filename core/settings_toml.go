package core

import "github.com/BurntSushi/toml"

// loadTOML decodes an ops-config overlay file. Kept as a one-line
// indirection so config.go doesn't need to know which TOML library is in
// play.
func loadTOML(path string, v *Settings) error {
	_, err := toml.DecodeFile(path, v)
	return err
}

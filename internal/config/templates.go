package config

import _ "embed"

//go:embed templates/snapship.env
var defaultEnvTemplate string

// DefaultEnvTemplate returns the commented configuration template used by
// the install wizard.
func DefaultEnvTemplate() string {
	return defaultEnvTemplate
}

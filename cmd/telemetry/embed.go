package main

import _ "embed"

// embeddedConfig is layered under the external configuration file. Build
// scripts may overwrite default_config.yaml to ship a site configuration.
//
//go:embed default_config.yaml
var embeddedConfig []byte

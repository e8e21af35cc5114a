package config

// Default filesystem locations, overridable via the CLI flags in main.go.
const (
	// PathListSourcesYaml is the default path to the list-sources config file.
	PathListSourcesYaml = "/etc/atrope/lists.yaml"
	// PathTrustDir is the default CA trust directory (SMIME trust store + image-download CA bundle).
	PathTrustDir = "/etc/grid-security/certificates"
	// PathCacheDir is the default on-disk image cache root.
	PathCacheDir = "/var/lib/atrope/cache"
	// PathDispatchersYaml is the default path to the dispatcher/VO-mapping config file.
	PathDispatchersYaml = "/etc/atrope/dispatchers.yaml"
)

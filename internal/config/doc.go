// Package config loads the service configuration from config.yaml.
//
// Config fields:
//   - Server.HTTPPort          — REST API port (default 8080, XRAY_PORT overrides)
//   - Server.APIPrefix         — route prefix (default "/api/v1")
//   - Server.CORSAllowOrigins  — browser origins allowed to call the API
//   - Models.Dir               — directory holding checkpoint manifests and weights
//   - Inference.ConfidenceLowThreshold — low-confidence warning cutoff (default 0.60)
//   - Consent.Dir              — where consented uploads are stored
//
// Load(path) applies defaults before unmarshalling, then validates. A missing
// config file is not an error; defaults apply.
package config

// Package config loads the verifier's environment-variable configuration
// slots. Unlike the Neo-side config package this stack descends from,
// remote attestation config is env-var only: no YAML file, no profile
// switching. viper is still used for its env binding and type coercion so
// the loader follows the same conventions as the rest of the fleet.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/gramine-ratls/ita-verifier/internal/raerr"
)

const (
	envProviderURL    = "RA_TLS_ITA_PROVIDER_URL"
	envProviderAPIVer = "RA_TLS_ITA_PROVIDER_API_VERSION"
	envAPIKey         = "RA_TLS_ITA_API_KEY"
	envPortal         = "RA_TLS_ITA_PORTAL_URL"
	envPolicyIDs      = "RA_TLS_ITA_POLICY_IDS"
	envAllowDebug     = "RA_TLS_ALLOW_DEBUG_ENCLAVE"
	envAllowOOD       = "RA_TLS_ALLOW_OUTDATED_TCB"
	envAllowHWConf    = "RA_TLS_ALLOW_HW_CONFIG_NEEDED"
	envAllowSWH       = "RA_TLS_ALLOW_SW_HARDENING_NEEDED"
	envMrEnclave      = "RA_TLS_EXPECTED_MRENCLAVE"
	envMrSigner       = "RA_TLS_EXPECTED_MRSIGNER"

	defaultProviderAPIVersion = "v1"
)

// Config is the process-wide set of ConfigSlots: the pieces of a
// verification that do not vary call to call. Everything else (the four
// allow-flags and the policy ID list) is read fresh per call via
// PolicyFromEnv, never cached here.
type Config struct {
	ProviderURL    string
	ProviderAPIVer string
	APIKey         string
	PortalURL      string
}

// Load populates Config from the environment. RA_TLS_ITA_PROVIDER_URL,
// RA_TLS_ITA_API_KEY and RA_TLS_ITA_PORTAL_URL are required;
// RA_TLS_ITA_PROVIDER_API_VERSION defaults to "v1" when unset.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault(envProviderAPIVer, defaultProviderAPIVersion)

	providerURL := v.GetString(envProviderURL)
	if providerURL == "" {
		return nil, raerr.New(raerr.KindConfigMissing, raerr.StageInit,
			errors.Errorf("%s is required", envProviderURL))
	}
	apiKey := v.GetString(envAPIKey)
	if apiKey == "" {
		return nil, raerr.New(raerr.KindConfigMissing, raerr.StageInit,
			errors.Errorf("%s is required", envAPIKey))
	}
	portalURL := v.GetString(envPortal)
	if portalURL == "" {
		return nil, raerr.New(raerr.KindConfigMissing, raerr.StageInit,
			errors.Errorf("%s is required", envPortal))
	}

	return &Config{
		ProviderURL:    strings.TrimRight(providerURL, "/"),
		ProviderAPIVer: v.GetString(envProviderAPIVer),
		APIKey:         apiKey,
		PortalURL:      strings.TrimRight(portalURL, "/"),
	}, nil
}

// Policy holds the per-call selectors that §4.1 requires to be read
// fresh every verification rather than cached alongside Config.
type Policy struct {
	// PolicyIDsRaw is the RA_TLS_ITA_POLICY_IDS value, unparsed: a raw
	// JSON array literal (without its enclosing brackets) spliced
	// verbatim into the attest request body's "policy_ids" field. Empty
	// when the variable is unset, in which case the field is omitted
	// entirely.
	PolicyIDsRaw        string
	AllowDebugEnclave   bool
	AllowOutdatedTCB    bool
	AllowHWConfigNeeded bool
	AllowSWHardening    bool
	ExpectedMrEnclave   string
	ExpectedMrSigner    string
}

// PolicyFromEnv reads the policy selectors directly from the process
// environment. It must be called once per Verify invocation, never
// memoized, so operators can rotate policy without restarting a long-lived
// process. RA_TLS_ITA_POLICY_IDS, when set, must start with `"` — it is a
// JSON array literal, not a comma-separated plain string list — and is
// rejected with *ConfigInvalid* otherwise.
func PolicyFromEnv() (Policy, error) {
	v := viper.New()
	v.AutomaticEnv()

	var policyIDsRaw string
	if raw, ok := os.LookupEnv(envPolicyIDs); ok {
		if raw == "" || raw[0] != '"' {
			return Policy{}, raerr.New(raerr.KindConfigInvalid, raerr.StageInit,
				errors.Errorf("%s is not a JSON string (does not start with a double quote)", envPolicyIDs))
		}
		policyIDsRaw = raw
	}

	return Policy{
		PolicyIDsRaw:        policyIDsRaw,
		AllowDebugEnclave:   boolEnvDefaultFalse(v, envAllowDebug),
		AllowOutdatedTCB:    boolEnvDefaultFalse(v, envAllowOOD),
		AllowHWConfigNeeded: boolEnvDefaultFalse(v, envAllowHWConf),
		AllowSWHardening:    boolEnvDefaultFalse(v, envAllowSWH),
		ExpectedMrEnclave:   strings.TrimSpace(v.GetString(envMrEnclave)),
		ExpectedMrSigner:    strings.TrimSpace(v.GetString(envMrSigner)),
	}, nil
}

// boolEnvDefaultFalse applies the corpus's "presence means true unless it
// is literally 0 or empty" convention uniformly, instead of four
// hand-rolled copies of the same parsing.
func boolEnvDefaultFalse(v *viper.Viper, key string) bool {
	raw := strings.TrimSpace(strings.ToLower(v.GetString(key)))
	switch raw {
	case "", "0":
		return false
	default:
		return true
	}
}

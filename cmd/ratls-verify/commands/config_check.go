package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gramine-ratls/ita-verifier/internal/config"
)

var configCheckCmd = &cobra.Command{
	Use:   "config-check",
	Short: "Validate RA_TLS_ITA_* environment configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := getLogger()

		cfg, err := config.Load()
		if err != nil {
			log.Error("configuration invalid", zap.Error(err))
			return err
		}
		policy, err := config.PolicyFromEnv()
		if err != nil {
			log.Error("policy configuration invalid", zap.Error(err))
			return err
		}

		fmt.Printf("provider_url:     %s\n", cfg.ProviderURL)
		fmt.Printf("provider_api_ver: %s\n", cfg.ProviderAPIVer)
		fmt.Printf("portal_url:       %s\n", cfg.PortalURL)
		fmt.Printf("policy_ids:       %s\n", policy.PolicyIDsRaw)
		fmt.Printf("allow_debug_enclave:   %v\n", policy.AllowDebugEnclave)
		fmt.Printf("allow_outdated_tcb:    %v\n", policy.AllowOutdatedTCB)
		fmt.Printf("allow_hw_config_needed: %v\n", policy.AllowHWConfigNeeded)
		fmt.Printf("allow_sw_hardening:    %v\n", policy.AllowSWHardening)
		if policy.ExpectedMrEnclave != "" {
			fmt.Printf("expected_mrenclave: %s\n", policy.ExpectedMrEnclave)
		}
		if policy.ExpectedMrSigner != "" {
			fmt.Printf("expected_mrsigner:  %s\n", policy.ExpectedMrSigner)
		}
		return nil
	},
}

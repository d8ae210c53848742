package commands

import (
	"context"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gramine-ratls/ita-verifier/pkg/ratls"
)

var certPath string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run a single attestation verification against a PEM certificate file",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := getLogger()

		raw, err := os.ReadFile(certPath)
		if err != nil {
			return fmt.Errorf("read certificate file: %w", err)
		}
		block, _ := pem.Decode(raw)
		if block == nil {
			return fmt.Errorf("%s does not contain a PEM block", certPath)
		}

		verifier, err := ratls.New(ratls.WithLogger(log))
		if err != nil {
			return fmt.Errorf("build verifier: %w", err)
		}

		var results ratls.Results
		err = verifier.VerifyPeerCertificateContext(context.Background(), [][]byte{block.Bytes}, &results)
		fmt.Printf("stage:      %s\n", results.Stage)
		fmt.Printf("tcb_status: %s\n", results.TCBStatus)
		if len(results.AdvisoryIDs) > 0 {
			fmt.Printf("advisories: %v\n", results.AdvisoryIDs)
		}
		if err != nil {
			fmt.Printf("kind:       %s\n", results.Kind)
			log.Warn("verification failed", zap.Error(err))
			return err
		}
		fmt.Println("result:     accepted")
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&certPath, "cert", "", "path to a PEM-encoded leaf certificate")
	_ = verifyCmd.MarkFlagRequired("cert")
}

package cmd

import (
	"fmt"

	"baotun/pkg/key"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Generate the CA that signs intercepted certificates",
	RunE:  generateCA,
}

var (
	caCert string
	caKey  string
	caName string
	caRSA  int
)

func init() {
	caCmd.Flags().StringVarP(&caCert, "certpath", "c", "root.crt", "Specify the path for the CA certificate.")
	caCmd.Flags().StringVarP(&caKey, "keypath", "k", "root.key", "Specify the path for the CA private key.")
	caCmd.Flags().StringVar(&caName, "name", "baotun", "Specify the CA common name.")
	caCmd.Flags().IntVar(&caRSA, "rsa", 0, "Use an RSA key of this many bits instead of ECDSA.")
}

func generateCA(cmd *cobra.Command, args []string) error {
	_, flush, err := loadConfig()
	if err != nil {
		return err
	}
	defer flush()

	var pk *key.PrivateKey
	if caRSA > 0 {
		pk, err = key.NewRSAKey(caRSA)
	} else {
		pk, err = key.NewECKey()
	}
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	ca, err := key.GenerateCA(caName, pk)
	if err != nil {
		return fmt.Errorf("generate CA: %w", err)
	}
	if err := key.WriteFiles(ca, pk, caCert, caKey); err != nil {
		return err
	}
	zap.S().Infof("CA %q written to %v and %v, valid until %v", caName, caCert, caKey, ca.X509().NotAfter)
	return nil
}

package app

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lsst/gafaelfawr/pkg/sealedbox"
)

const rsaKeyBits = 2048

var generateKeyType string

var generateKeyCmd = &cobra.Command{
	Use:   "generate-key",
	Short: "Generate a new signing or session key",
	Long: `Generate either an RSA private key suitable for issuer.key_file, or a
session_secret_file entry used for both the token store envelope and the
state cookie. Output is written to stdout; the caller is responsible for
storing it as a Kubernetes Secret or equivalent.`,
	RunE: runGenerateKey,
}

func init() {
	generateKeyCmd.Flags().StringVar(&generateKeyType, "type", "session", "key type: session or rsa")
}

func runGenerateKey(_ *cobra.Command, _ []string) error {
	switch generateKeyType {
	case "session":
		return generateSessionKey()
	case "rsa":
		return generateRSAKey()
	default:
		return fmt.Errorf("--type must be session or rsa")
	}
}

func generateSessionKey() error {
	var secret [sealedbox.KeySize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return fmt.Errorf("generate session key: %w", err)
	}

	entry := struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}{
		ID:     randomKeyID(),
		Secret: base64.RawURLEncoding.EncodeToString(secret[:]),
	}

	out, err := json.MarshalIndent([]any{entry}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session key: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func generateRSAKey() error {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("generate rsa key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal rsa key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return pem.Encode(os.Stdout, block)
}

func randomKeyID() string {
	var raw [8]byte
	_, _ = rand.Read(raw[:])
	return base64.RawURLEncoding.EncodeToString(raw[:])
}

package cmd

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"nnas/certificate"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func init() {
	certVerifyCmd.Flags().AddFlagSet(&processFlags)
	certIssueCmd.Flags().AddFlagSet(&issueFlags)
	certIssueCmd.Flags().AddFlagSet(&processFlags)
	certAuthorityCmd.Flags().AddFlagSet(&processFlags)

	certCmd.AddCommand(certVerifyCmd, certIssueCmd, certAuthorityCmd)
	rootCmd.AddCommand(certCmd)
}

var (
	issueFlags pflag.FlagSet
	caKey      = issueFlags.String("ca-key", "", "hex private scalar of the device CA")
	issuer     = issueFlags.String("issuer", certificate.WiiUIssuer, "issuer written into the certificate")
	deviceID   = issueFlags.String("device-id", "", "device id in hex")
	ngKeyID    = issueFlags.Uint32("ng-key-id", 0, "NG key id written into the certificate")
)

type certFile struct {
	File        *string
	ConsoleType certificate.ConsoleType
	LFCS        bool
	Issuer      string  `json:",omitempty"`
	Name        string  `json:",omitempty"`
	DeviceID    *uint32 `json:",omitempty"`
	NGKeyID     uint32  `json:",omitempty"`
	Hash        string
	Valid       bool
}

type issuedCertificate struct {
	Certificate string
	DeviceID    uint32
	PrivateKey  string
	Hash        string
}

type authorityKey struct {
	PrivateKey string
	PublicKey  string
}

// readCertificate accepts either the base64 text sent in request headers or
// the raw certificate bytes.
func readCertificate(input io.Reader) ([]byte, error) {
	data, err := io.ReadAll(input)
	if err != nil {
		return nil, err
	}

	if raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data))); err == nil {
		return raw, nil
	}
	return data, nil
}

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Verify and issue console device certificates",
}

var certVerifyCmd = &cobra.Command{
	Use:   "verify [file...]",
	Short: "Check device certificates",
	Long:  "Check device and LFCS certificates given as arguments, or stdin if none is given, against the roots in the config",
	Run: func(cmd *cobra.Command, args []string) {
		config := loadConfig()
		verifier, err := certificate.NewVerifier(config.LFCSModulus, config.WiiUDeviceKey, config.CTRDeviceKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid certificate roots: %v\n", err)
			os.Exit(2)
		}

		processFiles(args, func(filename *string, input io.Reader) (interface{}, error) {
			raw, err := readCertificate(input)
			if err != nil {
				return nil, fmt.Errorf("unable to read certificate: %w", err)
			}

			cert, err := verifier.Verify(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid certificate: %w", err)
			}

			result := certFile{
				File:        filename,
				ConsoleType: cert.ConsoleType,
				LFCS:        cert.LFCS,
				Issuer:      cert.Issuer,
				Name:        cert.Name,
				NGKeyID:     cert.NGKeyID,
				Hash:        cert.Hash(),
				Valid:       cert.Valid,
			}
			if id, err := cert.DeviceID(); err == nil {
				result.DeviceID = &id
			}
			return result, nil
		})
	},
}

var certIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a device certificate for a lab console or emulator",
	Long:  "Sign a new device certificate with a CA scalar whose public point is configured as wiiuDeviceKey or ctrDeviceKey",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		caPrivateKey, err := hex.DecodeString(*caKey)
		if err != nil || len(caPrivateKey) == 0 {
			fmt.Fprintln(os.Stderr, "A hex --ca-key is required")
			os.Exit(1)
		}

		id, err := strconv.ParseUint(*deviceID, 16, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid device id: %v\n", err)
			os.Exit(1)
		}

		privateKey, publicKey, err := certificate.GenerateECCKey(rand.Reader)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to generate device key: %v\n", err)
			os.Exit(3)
		}

		raw, err := certificate.IssueDevice(rand.Reader, certificate.DeviceTemplate{
			Issuer:    *issuer,
			DeviceID:  uint32(id),
			NGKeyID:   *ngKeyID,
			PublicKey: publicKey,
		}, caPrivateKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to issue certificate: %v\n", err)
			os.Exit(3)
		}

		newEncoder().Encode(issuedCertificate{
			Certificate: base64.StdEncoding.EncodeToString(raw),
			DeviceID:    uint32(id),
			PrivateKey:  hex.EncodeToString(privateKey),
			Hash:        certificate.HashBytes(raw),
		})
	},
}

var certAuthorityCmd = &cobra.Command{
	Use:   "authority",
	Short: "Generate a device CA key pair for lab setups",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		privateKey, publicKey, err := certificate.GenerateECCKey(rand.Reader)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to generate key: %v\n", err)
			os.Exit(3)
		}

		newEncoder().Encode(authorityKey{
			PrivateKey: hex.EncodeToString(privateKey),
			PublicKey:  hex.EncodeToString(publicKey),
		})
	},
}

package cmd

import (
	"crypto/rand"
	"fmt"
	"nnas/keys"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	keysCmd.AddCommand(keysGenerateCmd)
	rootCmd.AddCommand(keysCmd)
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage token key material",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate access | generate nex <name> | generate service <name>",
	Short: "Generate token keys under the configured keys path",
	Long:  "Generate the OAuth access token key, or the RSA key and HMAC secret of a NEX server or service client. Existing keys are never overwritten.",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		config := loadConfig()
		store := keys.NewStore(config.KeysPath)

		var err error
		switch kind := keys.Kind(args[0]); {
		case args[0] == "access" && len(args) == 1:
			err = store.GenerateAccessKey(rand.Reader)

		case (kind == keys.KindNEX || kind == keys.KindService) && len(args) == 2:
			err = store.GenerateServerKeys(rand.Reader, kind, args[1])

		default:
			cmd.Usage()
			os.Exit(1)
		}

		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to generate keys: %v\n", err)
			os.Exit(2)
		}

		fmt.Fprintln(os.Stderr, "Wrote keys under", store.Root())
	},
}

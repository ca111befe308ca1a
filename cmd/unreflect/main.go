package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "unreflect",
	Short: "Recover UE5 reflection metadata from x64 PE/ELF binaries",
	Long: `unreflect locates the engine's construct helpers in a shipped binary,
walks every Z_Construct generator and StaticClass accessor reachable from them,
and decodes the reflection parameter structs they pass.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
	},
}

func init() {
	log.SetHandler(clihandler.Default)
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/unreflect/config.yaml)")
	pf.String("layouts", "", "YAML layout profiles to add to the built-in tables")
	pf.String("engine-version", "", "engine version used to select layouts (default: detected)")
	pf.String("table", "", "layout table name, overrides version selection")
	pf.Int("workers", 4, "parallel decoders")
	pf.Int("max-items", 0, "worklist item cap (0 = default)")
	pf.Duration("timeout", 0, "abort discovery after this long (0 = none)")
	pf.Bool("strict", false, "fail on the first malformed item")
	pf.BoolP("verbose", "V", false, "verbose output")
	for _, name := range []string{"layouts", "engine-version", "table", "workers", "max-items", "timeout", "strict", "verbose"} {
		viper.BindPFlag(name, pf.Lookup(name))
	}

	rootCmd.AddCommand(scanCmd, dumpCmd, graphCmd, disasmCmd)
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(filepath.Join(home, ".config", "unreflect"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("unreflect")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.WithField("file", viper.ConfigFileUsed()).Debug("using config")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

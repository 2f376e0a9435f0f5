// Package main implements the fhirdemo CLI: local validation of FHIR resources
// and a walkthrough of the REST client against a server or the built-in stub.
package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gofhir/conformance/pkg/logger"
)

// Configuration keys shared by flags, environment and config file.
const (
	keyServer   = "server"
	keyProfiles = "profiles"
	keyVerbose  = "verbose"
	keyStrict   = "strict"
	keyTimeout  = "timeout"
	keyOutput   = "output"
	keyStub     = "stub"

	envPrefix       = "FHIRDEMO"
	defaultServer   = "https://server.fire.ly/r4"
	defaultProfiles = "profiles"
	defaultTimeout  = 2 * time.Minute
)

// app holds the state shared by the commands of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	out     io.Writer
}

// newRootCmd builds the command tree writing to out.
func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{v: viper.New(), out: out}

	root := &cobra.Command{
		Use:   "fhirdemo",
		Short: "Validate FHIR resources and exercise a FHIR REST endpoint",
		Long: `fhirdemo validates FHIR R4 resources against profiles from a local
directory and the embedded baseline, and walks through capability fetch,
$validate, create, read and search against a FHIR server.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.initConfig(cmd); err != nil {
				return err
			}
			a.setupLogging()
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(out)

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.fhirdemo.yaml)")
	flags.String(keyProfiles, defaultProfiles, "directory with StructureDefinition JSON files")
	flags.BoolP(keyVerbose, "v", false, "enable debug logging")
	flags.Bool(keyStrict, false, "treat warnings as errors")

	root.AddCommand(a.newValidateCmd(), a.newRunCmd(), a.newVersionCmd())
	return root
}

// initConfig binds flags and environment, then reads the config file.
func (a *app) initConfig(cmd *cobra.Command) error {
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return err
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		a.v.AddConfigPath(home)
		a.v.SetConfigType("yaml")
		a.v.SetConfigName(".fhirdemo")
		_ = a.v.ReadInConfig()
	}
	if used := a.v.ConfigFileUsed(); used != "" {
		logger.Debug("using config file %s", used)
	}
	return nil
}

func (a *app) setupLogging() {
	logger.SetOutput(os.Stderr)
	if a.v.GetBool(keyVerbose) {
		logger.SetLevel(logger.LevelDebug)
	} else {
		logger.SetLevel(logger.LevelWarn)
	}
}

// profileDir returns the configured profile directory and whether the user
// chose it rather than relying on the default.
func (a *app) profileDir() (string, bool) {
	return a.v.GetString(keyProfiles), a.v.IsSet(keyProfiles) && a.v.GetString(keyProfiles) != defaultProfiles
}

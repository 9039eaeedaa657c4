// Package commands implements the ramalama command tree.
package commands

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/engelmi/ramalama/pkg/distribution"
	"github.com/engelmi/ramalama/pkg/download"
	"github.com/engelmi/ramalama/pkg/logging"
	"github.com/engelmi/ramalama/pkg/store"
)

type rootOptions struct {
	storeRoot string
	debug     bool
	quiet     bool
}

// NewRootCmd builds the ramalama command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "ramalama",
		Short:         "Pull and manage AI models from ollama, OCI, and Hugging Face sources",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.SetGlobalNormalizationFunc(normalizeFlagName)
	root.PersistentFlags().StringVar(&opts.storeRoot, "store", "", "Store root directory (default: $RAMALAMA_STORE or ~/.local/share/ramalama)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress progress output")

	root.AddCommand(
		newPullCmd(opts),
		newListCmd(opts),
		newRmCmd(opts),
		newInspectCmd(opts),
	)

	return root
}

// normalizeFlagName accepts underscore-spelled flag names as their dashed
// form, e.g. --store_owned for --store-owned.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func (o *rootOptions) logger() *logrus.Logger {
	level := logrus.WarnLevel
	if o.debug {
		level = logrus.DebugLevel
	}
	return logging.NewLogger(os.Stderr, level)
}

func (o *rootOptions) storeRootPath() (string, error) {
	if o.storeRoot != "" {
		return o.storeRoot, nil
	}
	return store.DefaultRootPath()
}

// newClient constructs the distribution client from the root options plus
// any command-specific extras.
func (o *rootOptions) newClient(extra ...distribution.Option) (*distribution.Client, error) {
	root, err := o.storeRootPath()
	if err != nil {
		return nil, err
	}

	log := logging.NewComponentLogger(o.logger(), "distribution")
	clientOpts := []distribution.Option{
		distribution.WithStoreRootPath(root),
		distribution.WithLogger(log),
		distribution.WithUserAgent("ramalama"),
	}
	if !o.quiet {
		if out := download.ProgressOutput(os.Stderr); out != nil {
			clientOpts = append(clientOpts, distribution.WithProgressOutput(out))
		}
	}
	clientOpts = append(clientOpts, extra...)

	return distribution.NewClient(clientOpts...)
}

// newStore opens the store without a distribution client, for purely local
// operations.
func (o *rootOptions) newStore() (*store.Store, error) {
	root, err := o.storeRootPath()
	if err != nil {
		return nil, err
	}
	s := store.New(root, logging.NewComponentLogger(o.logger(), "store"))
	if err := s.EnsureLayout(); err != nil {
		return nil, err
	}
	return s, nil
}

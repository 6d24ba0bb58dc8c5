// Command contraspan trains a contrastive span encoder on a local text
// corpus and, once trained, embeds whole documents with it.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

var rootCmd = &cobra.Command{
	Use:   "contraspan",
	Short: "Self-supervised contrastive training of text span embeddings",
	Long: `contraspan trains a span encoder without labels: spans sampled from the
same document are pulled together, spans from different documents are
pushed apart. The trained encoder then turns whole documents into dense
vectors for search and clustering.

Examples:
  contraspan train --config run.yaml            # Train from scratch
  contraspan train --config run.yaml --resume   # Continue from the newest checkpoint
  contraspan encode --config run.yaml --out vectors.jsonl`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Keep klog's -v, -logtostderr and friends reachable behind cobra.
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	fs := rootCmd.PersistentFlags()
	fs.AddGoFlagSet(klogFlags)
	// Only -v matters day to day; the rest of klog's surface stays
	// settable but out of --help.
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name != "v" && klogFlags.Lookup(f.Name) != nil {
			f.Hidden = true
		}
	})
}

func main() {
	defer klog.Flush()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

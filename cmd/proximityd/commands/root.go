package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/XC-/proximity/encounter"
	"github.com/XC-/proximity/store"
)

var log = logrus.WithField("component", "proximityd")

var (
	dataDir   string
	storeKind string
	redisAddr string
	serverKey string
	logLevel  string
	logJSON   bool
	org       string
	model     string
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:          "proximityd",
		Short:        "Bluetooth proximity exchange engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(lvl)
			if logJSON {
				logrus.SetFormatter(&logrus.JSONFormatter{})
			} else {
				logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			}
			if dataDir == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				dataDir = filepath.Join(dir, ".proximity")
			}
			return nil
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&dataDir, "data", "", "data dir (default ~/.proximity)")
	f.StringVar(&storeKind, "store", "bolt", "encounter store: bolt, redis or memory")
	f.StringVar(&redisAddr, "redis-addr", "127.0.0.1:6379", "redis address for --store=redis")
	f.StringVar(&serverKey, "server-key", "", "base64 P-256 public key of the health authority")
	f.StringVar(&logLevel, "log-level", "info", "log level")
	f.BoolVar(&logJSON, "log-json", false, "log as JSON")
	f.StringVar(&org, "org", "AU_DTA", "organisation code in local payloads")
	f.StringVar(&model, "model", "proximityd", "device model in local payloads")

	root.AddCommand(runCmd(), exportCmd(), uploadCmd(), healthCmd(), nukeCmd(), keygenCmd())
	return root.Execute()
}

// openStore opens the store selected by --store. The returned function
// releases it.
func openStore(ctx context.Context) (encounter.Store, func(), error) {
	switch storeKind {
	case "bolt":
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, nil, err
		}
		b, err := store.OpenBolt(filepath.Join(dataDir, "encounters.db"))
		if err != nil {
			return nil, nil, err
		}
		return b, func() { closeStore(b) }, nil
	case "redis":
		r, err := store.DialRedis(ctx, redisAddr)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { closeStore(r) }, nil
	case "memory":
		return &store.Memory{}, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", storeKind)
}

func closeStore(c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		log.WithError(err).Warn("closing store")
	}
}

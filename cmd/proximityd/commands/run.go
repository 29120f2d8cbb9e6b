package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/XC-/proximity"
	"github.com/XC-/proximity/crypt"
	"github.com/XC-/proximity/encounter"
	"github.com/XC-/proximity/engine"
	"github.com/XC-/proximity/health"
	"github.com/XC-/proximity/sim"
)

func runCmd() *cobra.Command {
	var (
		radios      int
		duration    time.Duration
		fast        bool
		noAdvertise int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run proximity engines against a simulated radio",
		RunE: func(cmd *cobra.Command, args []string) error {
			if radios < 1 {
				return fmt.Errorf("need at least one radio")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			key, err := channelKey()
			if err != nil {
				return err
			}
			s, release, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer release()

			cfg := engine.DefaultConfig()
			if fast {
				cfg = fastConfig()
			}
			air := sim.NewAir()
			var engines []*engine.Engine
			for i := 0; i < radios; i++ {
				caps := proximity.Capabilities{Advertise: i >= noAdvertise, LETransport: true}
				radio := air.NewRadio(fmt.Sprintf("02:00:00:00:00:%02X", i+1), caps)
				identity, err := encounter.EncodeIdentity(1, org, uuid.NewString(), model)
				if err != nil {
					return err
				}
				p := encounter.NewPipeline(crypt.MustNew(key), s, encounter.WithModel(model))
				e := engine.New(radio, p, func() []byte { return identity },
					engine.WithConfig(cfg), engine.WithScanResponseName(fmt.Sprintf("sim-%d", i+1)))
				if err := e.Start(ctx); err != nil {
					return err
				}
				defer e.Stop()
				engines = append(engines, e)
			}
			go air.Run(ctx, cfg.TickInterval/2)

			checker := health.NewChecker(health.FlagFunc(func(context.Context) health.Flags {
				return health.Flags{Bluetooth: true, Location: true}
			}), s)
			go health.NewReporter(checker, health.LogMessenger{}, health.DefaultInterval).Run(ctx)

			log.WithFields(logrus.Fields{"radios": radios, "store": storeKind}).Info("running")
			<-ctx.Done()

			rr, err := s.All(context.Background())
			if err != nil {
				return err
			}
			for i, e := range engines {
				log.WithFields(logrus.Fields{"radio": i + 1, "peers": e.Registry().Len()}).Info("registry")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d encounters stored\n", len(rr))
			return nil
		},
	}
	cmd.Flags().IntVar(&radios, "radios", 2, "number of simulated radios")
	cmd.Flags().IntVar(&noAdvertise, "no-advertise", 0, "number of radios that cannot advertise")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (default: until interrupted)")
	cmd.Flags().BoolVar(&fast, "fast", false, "use short timings")
	return cmd
}

// channelKey returns the --server-key bytes, or an ephemeral key when the
// flag is empty.
func channelKey() ([]byte, error) {
	if serverKey != "" {
		return crypt.ParsePublicKeyBase64(serverKey)
	}
	priv, err := crypt.GenerateServerKey()
	if err != nil {
		return nil, err
	}
	log.Warn("no --server-key, records are encrypted to a throwaway key")
	return priv.PublicKey().Bytes(), nil
}

func fastConfig() engine.Config {
	c := engine.DefaultConfig()
	c.ScanOn = 400 * time.Millisecond
	c.ScanRest = 100 * time.Millisecond
	c.ScanOff = 200 * time.Millisecond
	c.ProcessingBudget = 5 * time.Second
	c.AdvertOff = 200 * time.Millisecond
	c.ConnectTimeout = time.Second
	c.ConnectedTimeout = 5 * time.Second
	c.PollInterval = 10 * time.Millisecond
	c.PayloadRefresh = 30 * time.Second
	c.PayloadWriteInterval = 30 * time.Second
	c.SignalWriteInterval = 2 * time.Second
	c.TickInterval = 100 * time.Millisecond
	return c
}

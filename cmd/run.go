package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"baotun/internal/config"
	"baotun/internal/engine"
	"baotun/internal/inspect"
	"baotun/internal/tun"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Open the tun device and intercept its traffic",
	RunE:  runEngine,
}

var (
	tunName   string
	tunAddr   string
	listen    string
	mark      int
	certpath  string
	keypath   string
	certcache string
	noMITM    bool
	record    bool
)

func init() {
	f := runCmd.Flags()
	f.StringVarP(&tunName, "tun", "t", "", "Specify the tun device name.")
	f.StringVarP(&tunAddr, "address", "a", "", "Specify the address of the tun device.")
	f.StringVarP(&listen, "listen", "l", "", "Specify the address TCP flows are redirected to.")
	f.IntVar(&mark, "mark", 0, "Specify the socket mark of upstream connections.")
	f.StringVarP(&certpath, "certpath", "c", "", "Specify the path for the CA certificate.")
	f.StringVarP(&keypath, "keypath", "k", "", "Specify the path for the CA private key.")
	f.StringVar(&certcache, "certcache", "", "Specify the path for the certificate cache store.")
	f.BoolVar(&noMITM, "no-mitm", false, "Relay TLS without decrypting it.")
	f.BoolVar(&record, "record", false, "Record every HTTP request/response.")
}

// applyFlags lets the flags given on the command line win over the file.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("tun") {
		cfg.Tun.Name = tunName
	}
	if f.Changed("address") {
		cfg.Tun.Address = tunAddr
	}
	if f.Changed("listen") {
		cfg.Proxy.Listen = listen
	}
	if f.Changed("mark") {
		cfg.Proxy.Mark = mark
	}
	if f.Changed("certpath") {
		cfg.MITM.CertPath = certpath
	}
	if f.Changed("keypath") {
		cfg.MITM.KeyPath = keypath
	}
	if f.Changed("certcache") {
		cfg.MITM.CertCache = certcache
	}
	if noMITM {
		cfg.MITM.Enabled = false
	}
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, flush, err := loadConfig()
	if err != nil {
		return err
	}
	defer flush()
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	dev, err := tun.Open(cfg.Tun.Name)
	if err != nil {
		return err
	}

	var opts []engine.Option
	if record || cfg.Log.Exchanges {
		obs := inspect.NewObserver(256, false)
		go func() {
			for ev := range obs.Events() {
				hook(ev)
			}
		}()
		opts = append(opts, engine.WithObserver(obs))
	}
	e, err := engine.New(cfg, dev, opts...)
	if err != nil {
		dev.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	zap.S().Infof("Interceptor is running on %v (%v)", dev.Name(), cfg.Tun.Address)
	return e.Run(ctx)
}

func hook(ev inspect.Event) {
	zap.S().Infof("[%v] %v %v -> %d, uid %d, %d/%d bytes in %v",
		ev.Flow, ev.Method, ev.URL, ev.Status, ev.UID, ev.RequestBody, ev.ResponseBody, ev.Duration)
}

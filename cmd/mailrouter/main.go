package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/mailrouter/internal/bus"
	"github.com/fenilsonani/mailrouter/internal/cache"
	"github.com/fenilsonani/mailrouter/internal/config"
	"github.com/fenilsonani/mailrouter/internal/gc"
	"github.com/fenilsonani/mailrouter/internal/logging"
	"github.com/fenilsonani/mailrouter/internal/model"
	"github.com/fenilsonani/mailrouter/internal/mx"
	"github.com/fenilsonani/mailrouter/internal/policy"
	"github.com/fenilsonani/mailrouter/internal/relay"
	"github.com/fenilsonani/mailrouter/internal/router"
	"github.com/fenilsonani/mailrouter/internal/security"
	"github.com/fenilsonani/mailrouter/internal/status"
	"github.com/fenilsonani/mailrouter/internal/store"
	"github.com/fenilsonani/mailrouter/internal/token"
	"github.com/fenilsonani/mailrouter/internal/worker"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailrouter",
	Short: "Distributed mass-email routing and delivery engine",
	Long: `A distributed mass-email delivery engine:
- a router selecting a source IP per envelope through a policy chain
- MX workers transmitting via the recipient domain's exchangers
- a garbage collector watching worker liveness and stuck queues`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

// core bundles the clients every command shares.
type core struct {
	logger   *logging.Logger
	cache    *cache.Cache
	db       *store.DB
	bus      *bus.Bus
	registry *worker.Registry
	chain    *policy.Chain
	recorder *status.Recorder
	tokens   *token.Store
}

func (c *core) close() {
	if c.bus != nil {
		c.bus.Close()
	}
	if c.cache != nil {
		c.cache.Close()
	}
	if c.db != nil {
		c.db.Close()
	}
}

// buildCore validates the configuration for the role and connects the
// cache, the store and the broker.
func buildCore(ctx context.Context, role string) (*core, error) {
	if err := cfg.Validate(role); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	c := &core{logger: logger}

	c.cache, err = cache.New(cache.Config{
		RedisURL:      cfg.Cache.RedisURL,
		Prefix:        cfg.Cache.Prefix,
		StatusPrefix:  cfg.Cache.StatusPrefix,
		StatusTimeout: cfg.StatusTimeout(),
	})
	if err != nil {
		c.close()
		return nil, err
	}

	c.db, err = store.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		c.close()
		return nil, err
	}
	if err := c.db.Migrate(ctx); err != nil {
		c.close()
		return nil, err
	}

	c.bus, err = bus.New(bus.Config{
		RedisURL: cfg.Cache.RedisURL,
		Prefix:   cfg.Cache.Prefix,
	})
	if err != nil {
		c.close()
		return nil, err
	}

	c.registry = worker.NewRegistry(c.cache, c.db, logger)
	policies := policy.NewRegistry(c.cache, cfg, logger, nil, nil)
	c.chain, err = policies.NewChain(cfg.Policies.Worker, c.registry, logger, nil)
	if err != nil {
		c.close()
		return nil, err
	}
	c.registry.UseChain(c.chain)

	c.recorder = status.NewRecorder(c.db, c.db, c.chain, cfg.MX.SrcAddr, logger, nil)
	c.tokens = token.NewStore(c.cache, cfg.TokenTimeout())

	return c, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Run the routing worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		c, err := buildCore(ctx, "router")
		if err != nil {
			return err
		}
		defer c.close()

		r := router.New(cfg, c.cache, c.bus, c.registry, c.db, c.db, c.recorder, c.tokens, c.logger, nil)
		c.logger.Info("Routing worker started", "queue", cfg.Broker.RoutingQueue)
		r.Run(ctx)
		return nil
	},
}

var mxCmd = &cobra.Command{
	Use:   "mx",
	Short: "Run an MX delivery worker bound to one source IP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		c, err := buildCore(ctx, "mx")
		if err != nil {
			return err
		}
		defer c.close()

		var signer *security.DKIMSigner
		for _, name := range cfg.Policies.Relay {
			if name == "dkim" {
				signer, err = security.NewDKIMSigner(cfg.DKIM.Selector, cfg.DKIM.KeyFile, cfg.DKIM.ExtraSignHeaders)
				if err != nil {
					return err
				}
			}
		}

		rl := relay.NewMXSmtpRelay(cfg, signer, c.logger)
		w, err := mx.New(cfg, c.bus, c.db, c.db, c.recorder, c.tokens, rl, c.registry, c.logger, true, nil)
		if err != nil {
			return err
		}
		c.logger.Info("MX worker started",
			"ip", cfg.MX.SrcAddr,
			"ehlo", cfg.MX.EhloAs,
		)
		return w.Run(ctx)
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run the garbage collector",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		c, err := buildCore(ctx, "gc")
		if err != nil {
			return err
		}
		defer c.close()

		collector := gc.New(cfg, c.cache, c.bus, c.db, c.db, c.registry, c.logger)
		c.logger.Info("Garbage collector started")
		if err := collector.Run(ctx); err != context.Canceled {
			return err
		}
		return nil
	},
}

var listWorkersCmd = &cobra.Command{
	Use:   "list-workers",
	Short: "List all workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := buildCore(ctx, "admin")
		if err != nil {
			return err
		}
		defer c.close()

		workers, err := c.db.List(ctx)
		if err != nil {
			return err
		}
		for _, w := range workers {
			state := "enabled"
			if !w.Enabled {
				state = "disabled"
			}
			fmt.Printf("* %d: %s (%s) [%s]\n", w.ID, w.IP, w.Name, state)
		}
		return nil
	},
}

var listQueuesCmd = &cobra.Command{
	Use:   "list-queues",
	Short: "List all queues with their sizes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := buildCore(ctx, "admin")
		if err != nil {
			return err
		}
		defer c.close()

		printQueue := func(name, details string) {
			size, err := c.bus.Size(ctx, name)
			if err != nil {
				fmt.Printf("%-35s: n/a %s\n", name, details)
				return
			}
			fmt.Printf("%-35s: %d %s\n", name, size, details)
		}

		printQueue(cfg.Broker.RoutingQueue, "")
		printQueue(cfg.Broker.QueuedMailQueue, "")
		fmt.Println()

		workers, err := c.db.List(ctx)
		if err != nil {
			return err
		}
		for _, w := range workers {
			details := ""
			if !w.Enabled {
				details = "(disabled)"
			}
			printQueue(cfg.MXQueueName(w.IP, false), details)
			printQueue(cfg.MXQueueName(w.IP, true), details)
		}
		return nil
	},
}

var listMessagesLimit int

var listMessagesCmd = &cobra.Command{
	Use:   "list-messages <ip>...",
	Short: "List scheduled messages on worker queues",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := buildCore(ctx, "admin")
		if err != nil {
			return err
		}
		defer c.close()

		fmt.Printf("%-36s;%-25s;%-22s;eta\n", "task-id", "task-name", "message-id")
		found := false
		for _, ip := range args {
			if _, err := c.db.GetByIP(ctx, ip); err != nil {
				fmt.Printf("* %s doesn't exist (ignored)\n", ip)
				continue
			}
			found = true
			for _, retry := range []bool{false, true} {
				queue := cfg.MXQueueName(ip, retry)
				tasks, err := c.bus.Peek(ctx, queue, int64(listMessagesLimit))
				if err != nil {
					return err
				}
				for _, t := range tasks {
					fmt.Printf("%s;%s;%s;%s\n", t.ID, t.Name, t.Identifier, t.ETA.Format("2006-01-02 15:04:05"))
				}
			}
		}
		if !found {
			return fmt.Errorf("workers not found")
		}
		return nil
	},
}

var enableWorkerCmd = &cobra.Command{
	Use:   "enable-worker <id>...",
	Short: "Enable workers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := buildCore(ctx, "admin")
		if err != nil {
			return err
		}
		defer c.close()

		warnings := 0
		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				fmt.Printf("* %s is not a valid worker id\n", arg)
				warnings++
				continue
			}
			w, err := c.registry.SetEnabled(ctx, id, true)
			if err != nil {
				fmt.Printf("* %s doesn't exist (ignored)\n", arg)
				warnings++
				continue
			}
			fmt.Printf("* %s (id:%d) enabled\n", w.IP, w.ID)
		}
		if warnings > 0 {
			return fmt.Errorf("%d worker(s) skipped", warnings)
		}
		return nil
	},
}

var disableWorkerCmd = &cobra.Command{
	Use:   "disable-worker <id>...",
	Short: "Disable workers and broadcast them a shutdown",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := buildCore(ctx, "admin")
		if err != nil {
			return err
		}
		defer c.close()

		warnings := 0
		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				fmt.Printf("* %s is not a valid worker id\n", arg)
				warnings++
				continue
			}
			w, err := c.registry.SetEnabled(ctx, id, false)
			if err != nil {
				fmt.Printf("* %s doesn't exist (ignored)\n", arg)
				warnings++
				continue
			}
			fmt.Printf("* %s (id:%d) disabled, sending shutdown\n", w.IP, w.ID)
			if err := c.bus.Broadcast(ctx, bus.ControlShutdown, w.Name); err != nil {
				return err
			}
		}
		if warnings > 0 {
			return fmt.Errorf("%d worker(s) skipped", warnings)
		}
		return nil
	},
}

var signDKIMCmd = &cobra.Command{
	Use:   "sign-dkim [file]",
	Short: "DKIM-sign a message from a file or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("admin"); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if cfg.DKIM.Selector == "" || cfg.DKIM.KeyFile == "" {
			return fmt.Errorf("dkim.selector and dkim.key_file must be configured")
		}

		message, err := readMessage(args)
		if err != nil {
			return err
		}

		signer, err := security.NewDKIMSigner(cfg.DKIM.Selector, cfg.DKIM.KeyFile, cfg.DKIM.ExtraSignHeaders)
		if err != nil {
			return err
		}

		domain := model.ExtractDomain(headerValue(message, "From"))
		if domain == "" {
			return fmt.Errorf("cannot determine signing domain from the From header")
		}
		signed, err := signer.Sign(domain, message, func(h string) bool {
			return headerValue(message, h) != ""
		})
		if err != nil {
			return err
		}
		os.Stdout.Write(signed)
		return nil
	},
}

var verifyDKIMCmd = &cobra.Command{
	Use:   "verify-dkim [file]",
	Short: "Verify the DKIM signatures of a message from a file or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message, err := readMessage(args)
		if err != nil {
			return err
		}
		if err := security.Verify(newBytesReader(message)); err != nil {
			return fmt.Errorf("signature invalid: %w", err)
		}
		fmt.Println("signature valid")
		return nil
	},
}

var cacheMailstatusCmd = &cobra.Command{
	Use:   "cache-mailstatus",
	Short: "Rebuild the status cache by replaying recent statuses",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := buildCore(ctx, "admin")
		if err != nil {
			return err
		}
		defer c.close()

		count, err := c.recorder.Replay(ctx, cfg.StatusTimeout())
		if err != nil {
			return err
		}
		fmt.Printf("%d MailStatus object(s) since %d second(s) have been cached. Done.\n",
			count, int(cfg.StatusTimeout().Seconds()))
		return nil
	},
}

var clearMailstatusCmd = &cobra.Command{
	Use:   "clear-mailstatus",
	Short: "Clear the status cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := buildCore(ctx, "admin")
		if err != nil {
			return err
		}
		defer c.close()

		count := 0
		err = c.cache.Scan(ctx, c.cache.StatusKey()+":*", func(key string) error {
			n, err := c.cache.Del(ctx, key)
			count += int(n)
			return err
		})
		if err != nil {
			return err
		}
		fmt.Printf("%d key(s) deleted. Done.\n", count)
		return nil
	},
}

// readMessage loads the message from the file argument or stdin.
func readMessage(args []string) ([]byte, error) {
	if len(args) == 1 {
		return os.ReadFile(args[0])
	}
	return io.ReadAll(os.Stdin)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "/etc/mailrouter/config.yaml", "config file path")
	listMessagesCmd.Flags().IntVar(&listMessagesLimit, "limit", 50, "message display limit")

	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(mxCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(listWorkersCmd)
	rootCmd.AddCommand(listQueuesCmd)
	rootCmd.AddCommand(listMessagesCmd)
	rootCmd.AddCommand(enableWorkerCmd)
	rootCmd.AddCommand(disableWorkerCmd)
	rootCmd.AddCommand(signDKIMCmd)
	rootCmd.AddCommand(verifyDKIMCmd)
	rootCmd.AddCommand(cacheMailstatusCmd)
	rootCmd.AddCommand(clearMailstatusCmd)
}

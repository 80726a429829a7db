package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/rcs_core/internal/config"
	"github.com/arzzra/rcs_core/pkg/core"
	"github.com/arzzra/rcs_core/pkg/metrics"
)

type cli struct {
	cfgFile string
	v       *viper.Viper
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.NewViper()}

	root := &cobra.Command{
		Use:          "rcsd",
		Short:        "rcsd движок сессий RCS",
		Long:         `rcsd принимает SIP приглашения чатов, передачи файлов, IP звонков и расширений и ведет сессии до завершения.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.readConfig()
		},
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "файл конфигурации (yaml)")

	flags := root.PersistentFlags()
	flags.String("listen", "", "адрес приема SIP запросов, host:port")
	flags.String("network", "", "транспорт SIP: udp или tcp")
	flags.String("domain", "", "домен собственного адреса")
	flags.String("user", "", "user-часть собственного адреса")
	flags.String("journal", "", "файл журнала событий")
	flags.String("metrics-addr", "", "адрес HTTP сервера метрик")
	flags.String("log-level", "", "уровень логирования: debug, info, warn, error")
	flags.String("log-format", "", "формат логов: text или json")

	bindings := map[string]string{
		"sip.listen_addr":          "listen",
		"sip.network":              "network",
		"sip.domain":               "domain",
		"sip.local_user":           "user",
		"persistence.journal_path": "journal",
		"metrics.listen_addr":      "metrics-addr",
		"log.level":                "log-level",
		"log.format":               "log-format",
	}
	for key, flag := range bindings {
		// пустой флаг не перекрывает файл и окружение
		if err := c.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(c.runCmd(), c.configCmd())
	return root
}

func (c *cli) readConfig() error {
	if c.cfgFile == "" {
		return nil
	}
	c.v.SetConfigFile(c.cfgFile)
	if err := c.v.ReadInConfig(); err != nil {
		return oops.In("rcsd").With("path", c.cfgFile).Wrapf(err, "чтение конфигурации")
	}
	return nil
}

func (c *cli) settings() (*config.Settings, error) {
	return config.FromViper(c.v)
}

func (c *cli) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Печатает действующую конфигурацию в формате YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.settings()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(s)
		},
	}
}

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Запускает прием SIP запросов",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.settings()
			if err != nil {
				return err
			}
			slog.SetDefault(newLogger(s.Log, cmd.ErrOrStderr()))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, s)
		},
	}
}

func run(ctx context.Context, s *config.Settings) error {
	collector := metrics.New(metrics.Config{
		Enabled:     s.Metrics.Enabled,
		Namespace:   s.Metrics.Namespace,
		WithRuntime: true,
	})
	stack, err := core.New(core.Options{Settings: s, Metrics: collector})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stack.Run(ctx) })

	if s.Metrics.Enabled && s.Metrics.ListenAddr != "" {
		srv := &http.Server{
			Addr:              s.Metrics.ListenAddr,
			Handler:           collector.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("сервер метрик запущен", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return oops.In("rcsd").With("addr", srv.Addr).Wrapf(err, "сервер метрик")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("rcsd: %w", err)
	}
	return nil
}

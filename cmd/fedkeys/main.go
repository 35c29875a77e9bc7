// Command fedkeys es el CLI de operador: ciclo de vida de claves e
// inspección de la cola de delivery contra el storage configurado.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dropDatabas3/hellofed/internal/app"
	"github.com/dropDatabas3/hellofed/internal/config"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/dropDatabas3/hellofed/internal/security/secretbox"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type cli struct {
	configPath string
	envFile    string
	out        string // text | json

	app *app.App
}

// open carga config y cablea los stores; los comandos que no tocan storage no lo llaman.
func (c *cli) open(ctx context.Context) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel, ServiceName: "fedkeys", Quiet: true})
	if cfg.Storage.Driver == "memory" {
		fmt.Fprintln(os.Stderr, "warning: storage.driver=memory, key changes are not persisted")
	}
	if cfg.Delivery.Queue == "memory" {
		fmt.Fprintln(os.Stderr, "warning: delivery.queue=memory, this process sees an empty queue")
	}
	a, err := app.New(ctx, cfg, logger.L())
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) close() {
	if c.app != nil {
		_ = c.app.Close()
	}
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	c := &cli{}
	root := &cobra.Command{
		Use:           "fedkeys",
		Short:         "Operación de claves de firma y de la cola de delivery",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.envFile != "" {
				_ = godotenv.Load(c.envFile)
			}
			if c.configPath == "" {
				c.configPath = os.Getenv("CONFIG_PATH")
			}
			if c.out != "text" && c.out != "json" {
				return fmt.Errorf("--out debe ser text|json")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "ruta a config.yaml (env CONFIG_PATH)")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "ruta a .env")
	root.PersistentFlags().StringVar(&c.out, "out", "text", "formato de salida: text|json")

	root.AddCommand(
		c.keysCmd(),
		c.jobsCmd(),
		&cobra.Command{
			Use:   "gen-secretbox",
			Short: "Genera una clave nueva para " + secretbox.EnvMasterKey,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				k, err := secretbox.GenerateKey()
				if err != nil {
					return err
				}
				fmt.Printf("%s=%s\n", secretbox.EnvMasterKey, k)
				return nil
			},
		},
	)

	root.AddCommand(&cobra.Command{
		Use:   "seal-dsn <dsn>",
		Short: "Cifra un DSN con " + secretbox.EnvMasterKey + " para usarlo en storage.postgres.dsn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			box, err := secretbox.FromEnv()
			if err != nil {
				return err
			}
			sealed, err := box.SealString(secretbox.PurposeDSN, args[0])
			if err != nil {
				return err
			}
			fmt.Println(sealed)
			return nil
		},
	})

	err := root.ExecuteContext(context.Background())
	c.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

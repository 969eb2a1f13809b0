package cli

import (
	"github.com/spf13/cobra"

	"github.com/brickworks/sitegate/internal/tasks"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background task worker",
	Long: `Runs the Asynq worker that handles queued work: reaching site
owners who had no live connection when a request arrived, and periodic
audit maintenance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		serverCfg := tasks.DefaultServerConfig(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if cfg.Worker.Concurrency > 0 {
			serverCfg.Concurrency = cfg.Worker.Concurrency
		}

		srv := tasks.NewServer(serverCfg)
		tasks.RegisterHandlers(srv, tasks.LogContactor{})

		go func() {
			<-cmd.Context().Done()
			srv.Shutdown()
		}()

		return srv.Run()
	},
}

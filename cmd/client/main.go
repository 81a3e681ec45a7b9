package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	svc "github.com/kardianos/service"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"timeglass/remotectl/pkg/config"
	"timeglass/remotectl/pkg/logging"
)

var version = "0.1.0"

func main() {
	log, closeLog := logging.New("client", logging.OptionsFromEnv())
	defer closeLog()

	app := &cli.App{
		Name:    "remotectl-client",
		Usage:   "keep this machine reachable by the remote-control server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "client config file (json or yaml); priority: flag > env > file > default",
				Value: config.DefaultClientConfigPath(),
			},
			&cli.StringFlag{Name: "server", Usage: "server ws url, e.g. ws://host:8000/ws"},
			&cli.StringFlag{Name: "token", Usage: "auth token"},
			&cli.StringFlag{Name: "client-id", Usage: "client id (defaults to the host name)"},
		},
		Action: func(c *cli.Context) error {
			ensureElevated(log)
			hideConsole()
			a := newAgent(log, overridesFrom(c))
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx)
		},
		Commands: []*cli.Command{
			{
				Name:      "service",
				Usage:     "control the OS service: install|uninstall|start|stop|run",
				ArgsUsage: "<action>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "service name", Value: "RemoteCtlClient"},
				},
				Action: func(c *cli.Context) error {
					action := strings.ToLower(c.Args().First())
					if action == "" {
						return cli.Exit("missing service action", 2)
					}
					return serviceControl(c, log, action)
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Errorw("client exited", "error", err)
		closeLog()
		os.Exit(1)
	}
}

// overrides are command line values that win over the config file and env.
type overrides struct {
	path     string
	server   string
	token    string
	clientID string
}

func overridesFrom(c *cli.Context) overrides {
	path := c.String("config")
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return overrides{path: path, server: c.String("server"), token: c.String("token"), clientID: c.String("client-id")}
}

func (o overrides) args() []string {
	args := []string{"--config", o.path}
	if o.server != "" {
		args = append(args, "--server", o.server)
	}
	if o.token != "" {
		args = append(args, "--token", o.token)
	}
	if o.clientID != "" {
		args = append(args, "--client-id", o.clientID)
	}
	return args
}

func (o overrides) load() (config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig(o.path)
	if err != nil {
		return cfg, err
	}
	if o.server != "" {
		cfg.ServerURL = o.server
	}
	if o.token != "" {
		cfg.AuthToken = o.token
	}
	if o.clientID != "" {
		cfg.ClientID = o.clientID
	}
	return cfg, nil
}

// ---- Service integration ----

type program struct {
	agent  *agent
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(s svc.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := p.agent.run(ctx); err != nil {
			p.agent.log.Errorw("agent stopped", "error", err)
		}
	}()
	return nil
}

func (p *program) Stop(s svc.Service) error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	return nil
}

func serviceControl(c *cli.Context, log *zap.SugaredLogger, action string) error {
	o := overridesFrom(c)
	name := c.String("name")
	cfg := &svc.Config{
		Name:        name,
		DisplayName: name,
		Description: "Remote control client: lock screen and shutdown on operator request",
		Arguments:   append(o.args(), "service", "--name", name, "run"),
		Option:      map[string]interface{}{"Restart": "on-failure", "RunAtLoad": true, "StartType": "automatic"},
	}
	s, err := svc.New(&program{agent: newAgent(log, o)}, cfg)
	if err != nil {
		return err
	}
	switch action {
	case "install":
		return s.Install()
	case "uninstall":
		return s.Uninstall()
	case "start":
		return s.Start()
	case "stop":
		return s.Stop()
	case "run":
		return s.Run()
	default:
		return fmt.Errorf("unknown service command: %s", action)
	}
}

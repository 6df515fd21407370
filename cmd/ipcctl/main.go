// Command ipcctl calls methods on, and listens to pushes from, an ipcd
// dispatcher.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mini-ipc/client"
	"mini-ipc/config"
	"mini-ipc/discovery"
	"mini-ipc/loadbalance"
	"mini-ipc/registry"
	"mini-ipc/transport"
)

var (
	configFile string
	channel    string
	service    string
	balancer   string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "ipcctl",
	Short:        "Talk to a dispatcher over a local channel",
	SilenceUsage: true,
}

var callCmd = &cobra.Command{
	Use:   "call <method> [json-args]",
	Short: "Call a method and print its result",
	Long: `Call a method and print its result.

Examples:
  ipcctl call add '{"a":1,"b":2}' --channel calc
  ipcctl call echo '"hi"' --service calc --balancer hash`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

var listenCmd = &cobra.Command{
	Use:   "listen <push-name>",
	Short: "Print push notifications until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runListen,
}

var findSocketCmd = &cobra.Command{
	Use:   "find-socket [namespace]",
	Short: "Print the first free channel name in a namespace",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runFindSocket,
}

var watchCmd = &cobra.Command{
	Use:   "watch <service>",
	Short: "Print the instances registered for a service as they change",
	Long: `Print the instances registered for a service, one JSON list per line,
first the current list and then again after every change, until interrupted.

Example:
  IPC_ETCD_ENDPOINTS=127.0.0.1:2379 ipcctl watch calc`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (TOML)")
	rootCmd.PersistentFlags().StringVar(&channel, "channel", "", "Channel to connect to")
	rootCmd.PersistentFlags().StringVar(&service, "service", "", "Look the channel up in etcd under this service name")
	rootCmd.PersistentFlags().StringVar(&balancer, "balancer", "roundrobin", "Balancer for --service: roundrobin, weighted or hash")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Give up after this long")

	rootCmd.AddCommand(callCmd, listenCmd, findSocketCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newBalancer(name string) (loadbalance.Balancer, error) {
	switch name {
	case "roundrobin":
		return &loadbalance.RoundRobinBalancer{}, nil
	case "weighted":
		return &loadbalance.WeightedRandomBalancer{}, nil
	case "hash":
		host, _ := os.Hostname()
		return loadbalance.NewConsistentHashBalancer(fmt.Sprintf("%s/%d", host, os.Getuid())), nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", name)
	}
}

// connect builds a caller and starts connecting it, either to the named
// channel or to a dispatcher discovered through etcd.
func connect(ctx context.Context, cfg *config.Config) (*client.Client, error) {
	tr := transport.NewUnixTransport(cfg.Transport())
	c, err := client.New(tr, client.WithLog(cfg.LogHandler()), client.WithCallTimeout(cfg.CallTimeout))
	if err != nil {
		return nil, err
	}

	if service == "" {
		if cfg.Channel == "" {
			return nil, fmt.Errorf("either --channel or --service is required")
		}
		return c, c.Connect(cfg.Channel, nil)
	}

	if len(cfg.EtcdEndpoints) == 0 {
		return nil, fmt.Errorf("--service needs etcd_endpoints or IPC_ETCD_ENDPOINTS")
	}
	reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints)
	if err != nil {
		return nil, err
	}
	defer reg.Close()
	bal, err := newBalancer(balancer)
	if err != nil {
		return nil, err
	}
	return c, c.ConnectService(ctx, reg, bal, service, nil)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if channel != "" {
		cfg.Channel = channel
	}
	return cfg, nil
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var params json.RawMessage
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("arguments are not valid JSON: %s", args[1])
		}
		params = json.RawMessage(args[1])
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	c, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := c.Call(ctx, args[0], params)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(result))
	return nil
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	c.On(args[0], func(push json.RawMessage) {
		fmt.Fprintln(out, string(push))
	})
	<-ctx.Done()
	return nil
}

func runFindSocket(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	namespace := cfg.Namespace
	if len(args) == 1 {
		namespace = args[0]
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	name, err := discovery.FindOpenSocket(ctx, transport.NewUnixTransport(cfg.Transport()), namespace, 0)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), name)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.EtcdEndpoints) == 0 {
		return fmt.Errorf("watch needs etcd_endpoints or IPC_ETCD_ENDPOINTS")
	}
	reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints)
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return watchInstances(ctx, cmd.OutOrStdout(), reg, args[0])
}

// watchInstances writes the current instance list of svc and then every
// update from reg until ctx is done or the watch ends.
func watchInstances(ctx context.Context, w io.Writer, reg registry.Registry, svc string) error {
	updates := reg.Watch(ctx, svc)
	instances, err := reg.Discover(ctx, svc)
	if err != nil {
		return err
	}
	for {
		line, err := json.Marshal(instances)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(line))

		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-updates:
			if !ok {
				return nil
			}
			instances = next
		}
	}
}

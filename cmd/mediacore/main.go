// mediacore lists the capture devices of the host, watches them come and
// go, and records them to disk.
//
// Usage:
//
//	mediacore [--config FILE] [--log-level LEVEL] [--metrics-addr ADDR] list
//	mediacore [flags] watch
//	mediacore [flags] record --device ID [--caps N] [--channel N] [--out DIR] [--duration D]
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/syncflow/mediacore"
	"github.com/syncflow/mediacore/pkg/bridge"
	"github.com/syncflow/mediacore/pkg/config"
	"github.com/syncflow/mediacore/pkg/device"
	"github.com/syncflow/mediacore/pkg/graph"
	"github.com/syncflow/mediacore/pkg/lifecycle"

	// Native capture backends.
	_ "github.com/syncflow/mediacore/pkg/driver/camera"
	_ "github.com/syncflow/mediacore/pkg/driver/microphone"
	_ "github.com/syncflow/mediacore/pkg/driver/screen"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	config      string
	logLevel    string
	metricsAddr string
}

func run(args []string) error {
	var g globalFlags
	flags := pflag.NewFlagSet("mediacore", pflag.ContinueOnError)
	flags.StringVar(&g.config, "config", "", "YAML configuration file")
	flags.StringVar(&g.logLevel, "log-level", "", "trace, debug, info, warn, error or disabled (overrides the configuration)")
	flags.StringVar(&g.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.SetInterspersed(false)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mediacore [flags] list|watch|record [command flags]\n\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return errors.New("missing command")
	}

	cfg := config.Default()
	if g.config != "" {
		var err error
		if cfg, err = config.Load(g.config); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if g.metricsAddr != "" {
		if err := serveMetrics(ctx, g.metricsAddr); err != nil {
			return err
		}
	}

	if err := mediacore.Init(); err != nil {
		return err
	}
	defer mediacore.Shutdown()

	core, err := mediacore.New(nil, mediacore.WithConfig(cfg), mediacore.WithLoggerLevel(g.logLevel))
	if err != nil {
		return err
	}
	defer core.Close()

	cmd, cmdArgs := flags.Arg(0), flags.Args()[1:]
	switch cmd {
	case "list":
		return list(core)
	case "watch":
		return watch(ctx, core)
	case "record":
		return record(ctx, core, cmdArgs)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func serveMetrics(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go srv.Serve(lis)
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	return nil
}

func printDevice(d device.Descriptor) {
	fmt.Printf("%s\t%s\t%s\n", d.Class, d.ID, d.Name)
	for i, c := range d.Capabilities {
		fmt.Printf("\t[%d] %s\n", i, c.Key())
	}
}

func list(core *mediacore.Core) error {
	devices, err := core.ListDevices()
	for _, d := range devices {
		printDevice(d)
	}
	if err != nil {
		// Devices of the other subsystems were listed.
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	return nil
}

func watch(ctx context.Context, core *mediacore.Core) error {
	diffs, err := core.WatchDevices(ctx)
	if err != nil {
		return err
	}
	for diff := range diffs {
		for _, id := range diff.Added {
			fmt.Printf("+ %s\n", id)
		}
		for _, id := range diff.Removed {
			fmt.Printf("- %s\n", id)
		}
	}
	return nil
}

func record(ctx context.Context, core *mediacore.Core, args []string) error {
	var (
		deviceID string
		caps     int
		channel  int
		out      string
		duration time.Duration
	)
	flags := pflag.NewFlagSet("record", pflag.ContinueOnError)
	flags.StringVar(&deviceID, "device", "", "device ID as printed by list")
	flags.IntVar(&caps, "caps", 0, "index of the capability as printed by list")
	flags.IntVar(&channel, "channel", 0, "record only this audio channel, counting from 1")
	flags.StringVar(&out, "out", "", "output directory (default from the configuration)")
	flags.DurationVar(&duration, "duration", 0, "stop after this long instead of waiting for an interrupt")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if deviceID == "" {
		return errors.New("record: --device is required")
	}

	devices, err := core.ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	var desc *device.Descriptor
	for i := range devices {
		if devices[i].ID == deviceID {
			desc = &devices[i]
		}
	}
	switch {
	case desc == nil:
		return fmt.Errorf("record: no device %s", deviceID)
	case caps < 0 || caps >= len(desc.Capabilities):
		return fmt.Errorf("record: device %s has %d capabilities", deviceID, len(desc.Capabilities))
	}

	events := core.SubscribeEvents()
	defer events.Close()

	id, err := core.BuildAndRecord(graph.Selection{
		DeviceID:   deviceID,
		Capability: desc.Capabilities[caps],
		Channel:    channel,
	}, out)
	if err != nil {
		return err
	}
	path, _ := core.Recording(id)
	fmt.Printf("recording %s to %s\n", deviceID, path)

	counted := make(chan int, 1)
	reader, err := core.Subscribe(id)
	if err != nil {
		return err
	}
	go func() {
		counted <- count(reader, core.Config().Bridge.NextSampleTimeout)
	}()

	var timeout <-chan time.Time
	if duration > 0 {
		timeout = time.After(duration)
	}

	var failure error
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-timeout:
			break wait
		case e := <-events.Events():
			if e.PipelineID != id {
				continue
			}
			if e.Type == lifecycle.EventError {
				failure = e.Err
			}
			if e.Type == lifecycle.EventStateChanged && e.State.Terminal() {
				break wait
			}
		}
	}

	if err := core.Stop(id); err != nil && !errors.Is(err, lifecycle.ErrInvalidTransition) {
		return err
	}
	fmt.Printf("%d samples captured, %d dropped by the counter\n", <-counted, reader.Dropped())
	return failure
}

// count drains r and returns how many samples it saw. Waits longer than
// timeout are reported as stalls.
func count(r *bridge.Reader, timeout time.Duration) int {
	n := 0
	for {
		_, err := r.NextSample(timeout)
		switch {
		case err == nil:
			n++
		case errors.Is(err, bridge.ErrTimeout):
			fmt.Fprintf(os.Stderr, "no sample for %s\n", timeout)
		default:
			return n
		}
	}
}

// Command rotord runs the azimuth rotor controller with its web, rotctld and
// EasyComm front ends.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/w1xm/rotor_interface/config"
	"github.com/w1xm/rotor_interface/drive"
	"github.com/w1xm/rotor_interface/easycomm"
	"github.com/w1xm/rotor_interface/encoder"
	"github.com/w1xm/rotor_interface/remoteio"
	"github.com/w1xm/rotor_interface/rotator"
	"github.com/w1xm/rotor_interface/rotor"
	"github.com/w1xm/rotor_interface/sim"
	"github.com/w1xm/rotor_interface/storage"
	"golang.org/x/sync/errgroup"
)

var (
	configFile    = flag.String("config", "", "YAML configuration file")
	simulate      = flag.Bool("simulate", false, "drive a simulated rotator instead of the configured hardware")
	staticDir     = flag.String("static_dir", "static", "directory containing static files")
	httpListen    = flag.String("http", "", "address for the web interface (overrides http_listen)")
	rotctldListen = flag.String("rotctld", "", "address for the rotctld protocol (overrides rotctld_listen)")
	easycommPort  = flag.String("easycomm_serial", "", "serial port for the EasyComm protocol (overrides easycomm.port)")
	statePath     = flag.String("state", "", "file holding calibration and learned parameters (overrides state_path)")
	verbose       = flag.Bool("verbose", false, "log lock timeouts")
)

// openHardware returns the bridge and the encoder counter for cfg. Background loops
// the hardware needs are started on g.
func openHardware(ctx context.Context, g *errgroup.Group, cfg config.Config) (drive.Driver, encoder.Source, func(), error) {
	switch cfg.Hardware {
	case config.HardwareSim:
		p := sim.New(cfg.Sim)
		g.Go(func() error {
			return p.Run(ctx)
		})
		return p, p, func() {}, nil
	case config.HardwareRemoteIO:
		b := remoteio.New()
		g.Go(func() error {
			return b.Run(ctx, cfg.RemoteIO)
		})
		return b, b, func() {}, nil
	}

	enc, err := encoder.OpenGPIO(cfg.EncoderGPIO.Chip, cfg.EncoderGPIO.PinA, cfg.EncoderGPIO.PinB)
	if err != nil {
		return nil, nil, nil, err
	}
	var out interface {
		drive.Driver
		Close() error
	}
	switch cfg.Hardware {
	case config.HardwareGPIO:
		out, err = drive.OpenGPIO(cfg.GPIO)
	case config.HardwarePCA9685:
		out, err = drive.OpenPCA9685(cfg.PCA9685)
	default:
		err = fmt.Errorf("unknown hardware %q", cfg.Hardware)
	}
	if err != nil {
		enc.Close()
		return nil, nil, nil, err
	}
	return out, enc, func() {
		if err := out.Close(); err != nil {
			log.Printf("closing bridge: %v", err)
		}
		if err := enc.Close(); err != nil {
			log.Printf("closing encoder: %v", err)
		}
	}, nil
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	if *simulate {
		cfg.Hardware = config.HardwareSim
	}
	for _, o := range []struct {
		flag string
		dest *string
	}{
		{*httpListen, &cfg.HTTPListen},
		{*rotctldListen, &cfg.RotctldListen},
		{*easycommPort, &cfg.EasyComm.Port},
		{*statePath, &cfg.StatePath},
	} {
		if o.flag != "" {
			*o.dest = o.flag
		}
	}
	cfg.Verbose = cfg.Verbose || *verbose

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, *staticDir)
	cancel()
	if err != nil {
		log.Fatal(err)
	}
}

// run serves cfg until ctx is done. The hardware is closed before it returns.
func run(ctx context.Context, cfg config.Config, staticDir string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	out, src, closeHardware, err := openHardware(ctx, g, cfg)
	if err != nil {
		return err
	}
	defer closeHardware()

	server := NewServer()
	svc, err := rotor.New(cfg, out, src, storage.File{Path: cfg.StatePath}, server.statusCallback)
	if err != nil {
		cancel()
		g.Wait()
		return err
	}
	server.r = svc
	g.Go(func() error {
		return svc.Run(ctx)
	})

	if cfg.RotctldListen != "" {
		if err := server.ListenRotctld(ctx, cfg.RotctldListen); err != nil {
			cancel()
			g.Wait()
			return err
		}
	}
	if cfg.EasyComm.Port != "" {
		ec := easycomm.NewServer(svc, func() (rotator.Status, bool) {
			st, ok := svc.Status()
			return st, ok
		}, "rotord")
		g.Go(func() error {
			return ec.ListenSerial(ctx, cfg.EasyComm.Port, cfg.EasyComm.Baud)
		})
	}

	srv := &http.Server{
		Handler:      server.Router(staticDir),
		Addr:         cfg.HTTPListen,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	g.Go(func() error {
		log.Printf("Listening on %v", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

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

	"github.com/itohio/gofdm/pkg/acquire"
	"github.com/itohio/gofdm/pkg/config"
	"github.com/itohio/gofdm/pkg/instrument"
	"github.com/itohio/gofdm/pkg/session"
	"github.com/itohio/gofdm/pkg/stream"
)

func main() {
	var (
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag   = flag.Bool("mock", false, "Use simulated instruments instead of serial ports")
		listFlag   = flag.Bool("list", false, "List serial ports and exit")
		saveFlag   = flag.Bool("save-config", false, "Write the effective configuration and exit")
		overrides  = bindOverrides(flag.CommandLine)
	)
	flag.Parse()

	if *listFlag {
		listPorts()
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	overrides.apply(flag.CommandLine, cfg)

	if *saveFlag {
		if err := cfg.Save(*configFlag); err != nil {
			log.Fatalf("Failed to save configuration: %v", err)
		}
		fmt.Printf("Configuration saved to %s\n", *configFlag)
		return
	}

	var opener instrument.Opener
	if *mockFlag {
		opener = simulatedOpener(cfg)
		fmt.Println("Using simulated instruments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controller := session.New(opener)

	if cfg.Stream.Enabled {
		shutdown := serveStream(controller, &cfg.Stream)
		defer shutdown()
	}

	finished := make(chan session.Session, 1)
	controller.OnUpdate(func(s session.Session) {
		printStatus(s)
		if s.State == acquire.Stopped {
			select {
			case finished <- s:
			default:
			}
		}
	})

	if err := controller.Start(session.FromConfig(cfg)); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	fmt.Printf("Waiting for force >= %.3f N on %s (displacement on %s)\n",
		cfg.Acquisition.TriggerThreshold, cfg.Serial.ForcePort, cfg.Serial.DisplacementPort)

	table := newTable(os.Stdout, controller.Samples())
	tableCtx, stopTable := context.WithCancel(ctx)
	tableDone := make(chan struct{})
	go func() {
		defer close(tableDone)
		table.Run(tableCtx, tablePeriod(cfg.Acquisition.TargetRate))
	}()

	var final session.Session
	select {
	case <-ctx.Done():
		fmt.Println("Interrupted")
		controller.Stop()
		final = controller.Session()
	case final = <-finished:
		controller.Stop()
	}

	stopTable()
	<-tableDone
	table.Flush()

	fmt.Printf("Recorded %d samples (%s)\n", table.Printed(), final.Reason)
	if final.Err != nil && final.Reason == acquire.ReasonFault {
		log.Fatalf("Acquisition failed: %v", final.Err)
	}
}

// simulatedOpener wires both instrument ports to a simulated test rig.
func simulatedOpener(cfg *config.Config) instrument.Opener {
	rig := instrument.NewRig(&cfg.Mock)
	return instrument.MockOpener(map[string]*instrument.Mock{
		cfg.Serial.ForcePort:        instrument.NewMock(rig.Force(), cfg.Mock.Latency),
		cfg.Serial.DisplacementPort: instrument.NewMock(rig.Displacement(), cfg.Mock.Latency),
	})
}

// serveStream starts the websocket hub and its HTTP server. The returned
// function shuts both down.
func serveStream(controller *session.Controller, cfg *config.StreamConfig) func() {
	hub := stream.NewHub(controller.Samples(), cfg)
	go hub.Run()
	controller.OnUpdate(hub.PublishSession)

	server := stream.NewServer(hub, cfg.Listen)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Stream server failed: %v", err)
		}
	}()
	fmt.Printf("Streaming on ws://%s/ws\n", cfg.Listen)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Stream server shutdown: %v", err)
		}
		hub.Shutdown()
	}
}

func listPorts() {
	ports, err := instrument.Ports()
	if err != nil {
		log.Fatalf("Failed to list serial ports: %v", err)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return
	}
	for _, p := range ports {
		if p.Description != "" && p.Description != p.Name {
			fmt.Printf("%s\t%s\n", p.Name, p.Description)
		} else {
			fmt.Println(p.Name)
		}
	}
}

func printStatus(s session.Session) {
	switch {
	case s.State == acquire.Recording:
		fmt.Printf("Triggered, baseline %.3f mm\n", s.Baseline)
	case s.State == acquire.Stopped && s.Err != nil:
		fmt.Printf("Stopped: %s (%v)\n", s.Reason, s.Err)
	case s.State == acquire.Stopped:
		fmt.Printf("Stopped: %s\n", s.Reason)
	}
}

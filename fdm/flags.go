package main

import (
	"flag"

	"github.com/itohio/gofdm/pkg/config"
)

// overrides holds the command line flags that override the configuration.
type overrides struct {
	forcePort string
	dispPort  string
	threshold float64
	rate      float64
	stream    bool
	listen    string
}

func bindOverrides(fs *flag.FlagSet) *overrides {
	o := &overrides{}
	fs.StringVar(&o.forcePort, "force-port", "", "Force gauge serial port override (e.g., COM9 or /dev/ttyUSB0)")
	fs.StringVar(&o.dispPort, "disp-port", "", "Displacement indicator serial port override")
	fs.Float64Var(&o.threshold, "threshold", 0, "Trigger threshold in N (overrides config)")
	fs.Float64Var(&o.rate, "rate", 0, "Target sample rate in samples/s (overrides config)")
	fs.BoolVar(&o.stream, "stream", false, "Serve the live websocket stream (overrides config)")
	fs.StringVar(&o.listen, "listen", "", "Stream listen address (overrides config)")
	return o
}

// apply copies the flags given on the parsed fs into cfg. Only flags present
// on the command line override, so an explicit 0 still reaches validation.
func (o *overrides) apply(fs *flag.FlagSet, cfg *config.Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "force-port":
			cfg.Serial.ForcePort = o.forcePort
		case "disp-port":
			cfg.Serial.DisplacementPort = o.dispPort
		case "threshold":
			cfg.Acquisition.TriggerThreshold = o.threshold
		case "rate":
			cfg.Acquisition.TargetRate = o.rate
		case "stream":
			cfg.Stream.Enabled = o.stream
		case "listen":
			cfg.Stream.Listen = o.listen
		}
	})
}

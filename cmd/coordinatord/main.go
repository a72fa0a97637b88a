// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"log"
	"net"
	"os"

	"github.com/fatih/color"
	"github.com/rs/xid"
	"github.com/urfave/cli"
	"github.com/xtaci/netmontun/alert"
	"github.com/xtaci/netmontun/coordinator"
	"github.com/xtaci/netmontun/ecdhe"
	"github.com/xtaci/netmontun/spack"
	"github.com/xtaci/netmontun/transport"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "coordinatord"
	myApp.Usage = "network-monitoring coordinator: UDP task/metric endpoint + AlertFlow listener"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen, l",
			Value: ":4789",
			Usage: "UDP listen address for the task/metric protocol",
		},
		cli.StringFlag{
			Name:  "alertlisten, a",
			Value: ":4790",
			Usage: "TCP listen address for the AlertFlow side channel",
		},
		cli.StringFlag{
			Name:  "curve",
			Value: "p256",
			Usage: "ECDHE curve: p256, p384, p521",
		},
		cli.BoolFlag{
			Name:  "cpu",
			Usage: "request CPU usage from every registered device",
		},
		cli.BoolFlag{
			Name:  "ram",
			Usage: "request RAM usage from every registered device",
		},
		cli.BoolFlag{
			Name:  "ifstats",
			Usage: "request per-interface packet rate from every registered device",
		},
		cli.IntFlag{
			Name:  "frequency",
			Value: 10,
			Usage: "seconds between metric batches",
		},
		cli.StringFlag{
			Name:  "duration",
			Value: "",
			Usage: "metric batch frequency in compact notation (e.g. 1m30s, 500ms), overrides --frequency",
		},
		cli.IntFlag{
			Name:  "cpualert",
			Value: -1,
			Usage: "CPU usage percent that triggers an alert, -1 disables",
		},
		cli.IntFlag{
			Name:  "ramalert",
			Value: -1,
			Usage: "RAM usage percent that triggers an alert, -1 disables",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = run
	if err := myApp.Run(os.Args); err != nil {
		checkError(err)
	}
}

func run(c *cli.Context) error {
	config := Config{}
	config.Listen = c.String("listen")
	config.AlertListen = c.String("alertlisten")
	config.Curve = c.String("curve")
	config.CPU = c.Bool("cpu")
	config.RAM = c.Bool("ram")
	config.InterfaceStats = c.Bool("ifstats")
	config.Frequency = c.Int("frequency")
	config.Duration = c.String("duration")
	config.CPUAlert = c.Int("cpualert")
	config.RAMAlert = c.Int("ramalert")
	config.Log = c.String("log")

	if c.String("c") != "" {
		checkError(parseJSONConfig(&config, c.String("c")))
	}

	if config.Log != "" {
		f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		checkError(err)
		defer f.Close()
		log.SetOutput(f)
	}

	if !config.CPU && !config.RAM && !config.InterfaceStats {
		color.Yellow("coordinatord: no device metric selected, every pushed task will report nothing but alert sentinels")
	}
	ecdhe.WarnIfBelowFloor(config.Curve, curveBits(config.Curve))

	freq, err := resolveFrequency(&config)
	checkError(err)

	runID := xid.New().String()
	log.Println("coordinatord: run", runID)
	log.Println("version:", VERSION)
	log.Println("listen:", config.Listen)
	log.Println("alertlisten:", config.AlertListen)
	log.Println("curve:", config.Curve)
	log.Println("cpu:", config.CPU, "ram:", config.RAM, "ifstats:", config.InterfaceStats)
	log.Println("frequency:", spack.FormatDuration(freq), "cpualert:", config.CPUAlert, "ramalert:", config.RAMAlert)

	conn, err := net.ListenPacket("udp", config.Listen)
	checkError(err)

	coord := coordinator.New(coordinator.Config{
		Curve:      config.Curve,
		Authorizer: acceptAllAuthorizer{},
	})

	ep := transport.NewCoordinatorEndpoint(conn, coord)
	idx := newSessionTaskIndex()
	ep.TaskLookup = idx.TaskLookup
	ep.OnSessionEstablished = func(sess *coordinator.Session) {
		tc := spack.TaskCollection{"default": defaultTask(&config, freq)}
		idx.set(sess.SessionID, tc)
		log.Printf("coordinatord: session %x established for device %s, pushing task schema", sess.SessionID, sess.DeviceID)
		if err := ep.DispatchPushSchemas(sess, tc, nil); err != nil {
			log.Printf("coordinatord: push schemas to %x: %v", sess.SessionID, err)
		}
	}
	ep.OnMetricReport = func(sess *coordinator.Session, report *spack.MetricReport) {
		log.Printf("coordinatord: metrics from %x task %q: %+v", sess.SessionID, report.TaskID, report)
	}
	ep.OnSessionReset = func(sess *coordinator.Session) {
		idx.forget(sess.SessionID)
		log.Printf("coordinatord: session %x reset", sess.SessionID)
	}

	alertServer, err := alert.Listen("tcp", config.AlertListen, idx, func(remote net.Addr, f *alert.Flow) {
		log.Printf("coordinatord: alert from %s session %x: %+v", remote, f.SessionID, f.Report)
	})
	checkError(err)
	go func() {
		if err := alertServer.Serve(); err != nil {
			log.Printf("coordinatord: alert server stopped: %v", err)
		}
	}()

	installSignalHandler(func() {
		log.Println("coordinatord: shutting down")
		alertServer.Close()
		ep.Close()
	})

	log.Println("coordinatord: ready")
	return ep.Run()
}

func curveBits(name string) int {
	switch name {
	case "p384":
		return 384
	case "p521":
		return 521
	default:
		return 256
	}
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}

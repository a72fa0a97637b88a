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
	"errors"
	"log"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/xid"
	"github.com/urfave/cli"
	"github.com/xtaci/netmontun/agent"
	"github.com/xtaci/netmontun/alert"
	"github.com/xtaci/netmontun/ecdhe"
	"github.com/xtaci/netmontun/keystore"
	"github.com/xtaci/netmontun/monitor"
	"github.com/xtaci/netmontun/ntp"
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
	myApp.Name = "agentd"
	myApp.Usage = "monitored-device agent: registers with a coordinator and reports metrics"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "coordinator, r",
			Value: "127.0.0.1:4789",
			Usage: "coordinator UDP address",
		},
		cli.StringFlag{
			Name:  "alertaddr, a",
			Value: "127.0.0.1:4790",
			Usage: "coordinator AlertFlow TCP address",
		},
		cli.StringFlag{
			Name:  "curve",
			Value: "p256",
			Usage: "ECDHE curve: p256, p384, p521",
		},
		cli.StringFlag{
			Name:  "keystore",
			Value: "agentd.keystore",
			Usage: "path to the 0-RTT revival keystore file",
		},
		cli.IntFlag{
			Name:  "handshakeattempts",
			Value: 5,
			Usage: "handshake retries before giving up",
		},
		cli.IntFlag{
			Name:  "handshaketimeout",
			Value: 5,
			Usage: "seconds to wait for a handshake reply before retrying",
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
	config.Coordinator = c.String("coordinator")
	config.AlertAddr = c.String("alertaddr")
	config.Curve = c.String("curve")
	config.Keystore = c.String("keystore")
	config.HandshakeAttempts = c.Int("handshakeattempts")
	config.HandshakeTimeout = c.Int("handshaketimeout")
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

	if config.HandshakeAttempts <= 0 {
		color.Red("agentd: handshakeattempts must be positive, falling back to 5")
		config.HandshakeAttempts = 5
	}
	ecdhe.WarnIfBelowFloor(config.Curve, curveBits(config.Curve))

	runID := xid.New().String()
	log.Println("agentd: run", runID)
	log.Println("version:", VERSION)
	log.Println("coordinator:", config.Coordinator)
	log.Println("alertaddr:", config.AlertAddr)
	log.Println("curve:", config.Curve)
	log.Println("keystore:", config.Keystore)
	log.Println("handshakeattempts:", config.HandshakeAttempts, "handshaketimeout:", config.HandshakeTimeout)

	store := keystore.NewFileStore(config.Keystore)
	ag := agent.New(agent.Config{Curve: config.Curve, Store: store})

	conn, remote, err := agent.Dial(config.Coordinator)
	checkError(err)

	ep := transport.NewAgentEndpoint(conn, remote, ag)

	events := newEventRouter()
	ep.OnRegistered = events.onRegistered
	ep.OnRejected = events.onRejected
	ep.OnReset = events.onReset
	ep.OnPushSchemas = events.onPushSchemas

	stopped := make(chan struct{})
	installSignalHandler(func() {
		log.Println("agentd: shutting down")
		ep.Close()
		close(stopped)
	})

	go func() {
		if err := ep.Run(); err != nil {
			log.Printf("agentd: endpoint stopped: %v", err)
		}
	}()

	go runSessionLoop(ag, ep, &config, events, stopped)

	<-stopped
	return nil
}

// eventRouter turns AgentEndpoint's async callbacks into channels a
// synchronous session loop can select on, the way a handshake retry loop
// needs to without a flow-control window to drive it yet.
type eventRouter struct {
	registered chan struct{}
	rejected   chan rejectionEvent
	reset      chan struct{}
	schemas    chan spack.TaskCollection
}

type rejectionEvent struct {
	reason    ntp.RejectReason
	afterWake bool
}

func newEventRouter() *eventRouter {
	return &eventRouter{
		registered: make(chan struct{}, 1),
		rejected:   make(chan rejectionEvent, 1),
		reset:      make(chan struct{}, 1),
		schemas:    make(chan spack.TaskCollection, 8),
	}
}

func (r *eventRouter) onRegistered() {
	select {
	case r.registered <- struct{}{}:
	default:
	}
}

func (r *eventRouter) onRejected(reason ntp.RejectReason, afterWake bool) {
	select {
	case r.rejected <- rejectionEvent{reason: reason, afterWake: afterWake}:
	default:
	}
}

func (r *eventRouter) onReset() {
	select {
	case r.reset <- struct{}{}:
	default:
	}
}

func (r *eventRouter) onPushSchemas(tc spack.TaskCollection) {
	r.schemas <- tc
}

// runSessionLoop drives registration (or 0-RTT revival) and, once
// established, keeps the monitoring worker's task set current until the
// coordinator resets the session or the process is asked to stop.
func runSessionLoop(ag *agent.Agent, ep *transport.AgentEndpoint, cfg *Config, events *eventRouter, stopped <-chan struct{}) {
	for {
		select {
		case <-stopped:
			return
		default:
		}

		if err := handshake(ag, ep, cfg, events); err != nil {
			log.Printf("agentd: handshake failed: %v", err)
			time.Sleep(time.Duration(cfg.HandshakeTimeout) * time.Second)
			continue
		}

		log.Printf("agentd: session %x established", ag.SessionID())
		alertClient, err := alert.Dial("tcp", cfg.AlertAddr)
		if err != nil {
			log.Printf("agentd: could not dial alert channel: %v", err)
		}
		var alertSink monitor.AlertSink
		if alertClient != nil {
			alertSink = alertClient
		}
		worker := monitor.New(ag.SessionID(), nil, nil, alertSink, ep)

	session:
		for {
			select {
			case <-stopped:
				worker.Stop()
				if alertClient != nil {
					alertClient.Close()
				}
				return
			case tc := <-events.schemas:
				worker.SetTasks(tc)
			case <-events.reset:
				log.Println("agentd: session reset by coordinator, re-registering")
				worker.Stop()
				if alertClient != nil {
					alertClient.Close()
				}
				if err := ag.DiscardSession(); err != nil {
					log.Printf("agentd: discard session: %v", err)
				}
				break session
			}
		}
	}
}

// handshake performs 0-RTT revival when a keystore record exists, falling
// back to a fresh REGISTER both on a clean keystore and on a WAKE that the
// coordinator no longer recognises.
func handshake(ag *agent.Agent, ep *transport.AgentEndpoint, cfg *Config, events *eventRouter) error {
	tryWake := hasKeystore(cfg.Keystore)
	timeout := time.Duration(cfg.HandshakeTimeout) * time.Second

	for attempt := 1; attempt <= cfg.HandshakeAttempts; attempt++ {
		var d *ntp.Datagram
		var err error
		var send func(*ntp.Datagram) error
		if tryWake {
			d, err = ag.BeginWake()
			send = ep.SendWake
		} else {
			d, err = ag.BeginRegister()
			send = ep.Send
		}
		if err != nil {
			return err
		}
		if err := send(d); err != nil {
			return err
		}

		select {
		case <-events.registered:
			return nil
		case ev := <-events.rejected:
			if ev.afterWake {
				log.Println("agentd: wake rejected, deleting keystore and re-registering")
				if err := ag.DiscardSession(); err != nil {
					log.Printf("agentd: discard session: %v", err)
				}
				tryWake = false
				continue
			}
			return &agent.ErrRejected{Reason: ev.reason}
		case <-time.After(timeout):
			log.Printf("agentd: handshake attempt %d/%d timed out, retrying", attempt, cfg.HandshakeAttempts)
			continue
		}
	}
	return errors.New("agentd: handshake exhausted all attempts")
}

func hasKeystore(path string) bool {
	_, err := os.Stat(path)
	return err == nil
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

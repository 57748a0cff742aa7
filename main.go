// NETCONF device management agent: session control, mDNS device discovery,
// and an on-demand file server for device upgrades.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"netmaster/agent"
	"netmaster/agent/netconf"
	"netmaster/agent/upgrade"
)

// Version information (set at build time via -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Configuration file path (default: platform search paths)")
	generateConfig := flag.String("generate-config", "", "Write a default config file at the given path and exit")
	cmd := flag.String("cmd", "", "One-shot command to run against the device and exit (see -cmd help)")
	arg := flag.String("arg", "", "Argument for -cmd (install URL, datetime, or config file path)")
	listen := flag.String("listen", "", "Serve live notifications over websocket at this address (e.g. 127.0.0.1:8090)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version information and exit")
	listIfaces := flag.Bool("list-ifaces", false, "List candidate bind interfaces for the upgrade server and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("netmaster %s (%s)\n", Version, GitCommit)
		return
	}
	if *listIfaces {
		ifs, err := upgrade.Interfaces()
		if err != nil {
			agent.Error("failed to list interfaces", "err", err)
			os.Exit(1)
		}
		for _, nif := range ifs {
			fmt.Printf("%-12s %s\n", nif.Name, nif.Addr)
		}
		return
	}
	if *generateConfig != "" {
		if err := agent.WriteDefaultSettings(*generateConfig); err != nil {
			agent.Error("failed to write config", "err", err)
			os.Exit(1)
		}
		fmt.Println("wrote", *generateConfig)
		return
	}

	settings, err := agent.LoadSettings(*configPath)
	if err != nil {
		agent.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if *debug {
		settings.Log.Debug = true
	}

	a, err := agent.New(settings)
	if err != nil {
		agent.Error("failed to start agent", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	if *cmd != "" {
		os.Exit(runOneShot(a, *cmd, *arg))
	}
	runDaemon(a, *listen)
}

// oneShotOps maps -cmd names to catalog operations.
var oneShotOps = map[string]netconf.Operation{
	"get-config":    {Template: netconf.TmplGetConfig, Store: netconf.StoreRunning},
	"get-startup":   {Template: netconf.TmplGetConfig, Store: netconf.StoreStartup},
	"save":          {Template: netconf.TmplCopyConfig, Store: netconf.StoreRunning},
	"status":        {Template: netconf.TmplGetStatus},
	"restart":       {Template: netconf.TmplSystemRestart},
	"factory-reset": {Template: netconf.TmplFactoryReset},
}

func oneShotOp(cmd, arg string) (netconf.Operation, error) {
	if op, ok := oneShotOps[cmd]; ok {
		return op, nil
	}
	switch cmd {
	case "set-datetime":
		if arg == "" {
			return netconf.Operation{}, fmt.Errorf("set-datetime needs -arg with an RFC 3339 timestamp")
		}
		return netconf.Operation{Template: netconf.TmplSetDatetime, Arg: arg}, nil
	case "install":
		if arg == "" {
			return netconf.Operation{}, fmt.Errorf("install needs -arg with a bundle URL")
		}
		return netconf.Operation{Template: netconf.TmplInstallBundle, Arg: arg}, nil
	case "edit-config":
		body, err := readArgFile(arg)
		if err != nil {
			return netconf.Operation{}, err
		}
		return netconf.Operation{Template: netconf.TmplEditConfig, Store: netconf.StoreRunning, Arg: body}, nil
	case "raw":
		body, err := readArgFile(arg)
		if err != nil {
			return netconf.Operation{}, err
		}
		return netconf.Operation{Payload: body}, nil
	}
	return netconf.Operation{}, fmt.Errorf("unknown command %q (known: %s, set-datetime, install, edit-config, raw)",
		cmd, strings.Join(oneShotNames(), ", "))
}

func oneShotNames() []string {
	names := make([]string, 0, len(oneShotOps))
	for name := range oneShotOps {
		names = append(names, name)
	}
	return names
}

// readArgFile reads an RPC body from the file named by -arg, or stdin when
// the argument is empty or "-".
func readArgFile(arg string) (string, error) {
	if arg == "" || arg == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(arg)
	return string(data), err
}

// runOneShot connects, executes a single command, prints the reply, and
// returns the process exit code.
func runOneShot(a *agent.Agent, cmd, arg string) int {
	op, err := oneShotOp(cmd, arg)
	if err != nil {
		agent.Error(err.Error())
		return 2
	}
	run := func() { a.Run(op) }
	if cmd == "save" {
		// Verify the save by reading the startup store back.
		run = func() {
			a.RunAndFetch(op, netconf.Operation{Template: netconf.TmplGetConfig, Store: netconf.StoreStartup})
		}
	}

	a.Connect()
	for n := range a.Notifications() {
		switch {
		case n.Kind == agent.NoteSession && n.State == "connected":
			run()
		case n.Kind == agent.NoteSession && n.State == "failed":
			agent.Error("connect failed", "reason", n.Message)
			return 1
		case n.Kind == agent.NoteRPC:
			if n.Result.Payload != "" {
				fmt.Println(n.Result.Payload)
			}
			if !n.Result.OK {
				agent.Error("device rejected operation", "reason", n.Result.Message)
				return 1
			}
			return 0
		case n.Kind == agent.NoteError:
			agent.Error(n.Message)
			return 1
		}
	}
	return 1
}

// runDaemon runs discovery and the upgrade server until interrupted,
// printing each notification as a JSON line.
func runDaemon(a *agent.Agent, listen string) {
	if listen != "" {
		if err := a.EnableBridge(listen); err != nil {
			agent.Error("failed to start event bridge", "err", err)
			os.Exit(1)
		}
	}

	a.StartBrowse()
	if a.Settings().Server.Enabled {
		a.StartServer()
	}
	if a.Settings().Device.Addr != "" {
		a.Connect()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case n := <-a.Notifications():
			_ = enc.Encode(n)
		case s := <-sig:
			agent.Info("shutting down", "signal", s.String())
			return
		}
	}
}

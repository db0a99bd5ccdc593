// Command provandctl is the CLI client of spec.md §6: it sends one
// newline-JSON command per invocation to the daemon's control socket
// and prints the reply. Grounded on the teacher's cmd/provisr/main.go
// cobra tree and client.go's fixed-timeout APIClient, adapted from HTTP
// to the raw socket protocol in internal/controlplane.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loykin/provand/internal/controlplane"
	"github.com/loykin/provand/internal/registry"
)

func defaultSocket() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".provand", "control.sock")
	}
	return filepath.Join(home, ".provand", "control.sock")
}

// send performs the request/reply round trip and maps the result onto
// spec.md §6's exit codes: 0 success, 1 server-returned failure, 2
// transport failure.
func send(socket string, req controlplane.Request) int {
	client := controlplane.NewClient(socket)
	reply, err := client.Send(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if !reply.Success {
		fmt.Fprintln(os.Stderr, reply.Message)
		return 1
	}
	if reply.Data != nil {
		b, _ := json.MarshalIndent(reply.Data, "", "  ")
		fmt.Println(string(b))
	} else if reply.Message != "" {
		fmt.Println(reply.Message)
	}
	return 0
}

func main() {
	var socket string

	root := &cobra.Command{Use: "provandctl"}
	root.PersistentFlags().StringVar(&socket, "socket", defaultSocket(), "path to the daemon's control socket")

	root.AddCommand(
		startCmd(&socket),
		stopCmd(&socket),
		restartCmd(&socket),
		statusCmd(&socket),
		logsCmd(&socket),
		saveCmd(&socket),
		deleteCmd(&socket),
		startupCmd(&socket),
		unstartupCmd(&socket),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func startCmd(socket *string) *cobra.Command {
	var (
		script, cwd, runtime, healthCheck, logFormat, logOutput string
		args                                                    []string
		instances                                               int
		watch                                                   bool
	)
	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Declare and start a new entry",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, cmdArgs []string) {
			spec := registry.Spec{
				Name:      cmdArgs[0],
				Script:    script,
				Args:      args,
				WorkDir:   cwd,
				Instances: instances,
				Watch:     watch,
				Runtime:   runtime,
			}
			if healthCheck != "" {
				spec.HealthCheck = healthCheck
			}
			if logFormat == "json" {
				spec.LogFormat = registry.LogFormatJSON
			}
			if logOutput == "stdout" {
				spec.LogOutput = registry.LogDestStdout
			}
			os.Exit(send(*socket, controlplane.Request{Action: controlplane.ActionStart, Spec: &spec}))
		},
	}
	cmd.Flags().StringVar(&script, "script", "", "command or script path to run")
	cmd.Flags().StringArrayVar(&args, "arg", nil, "argument (repeatable)")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory")
	cmd.Flags().StringVar(&runtime, "runtime", "", "interpreter to prefix the script with")
	cmd.Flags().IntVar(&instances, "instances", 1, "number of instances")
	cmd.Flags().BoolVar(&watch, "watch", false, "restart on filesystem changes under cwd")
	cmd.Flags().StringVar(&healthCheck, "health-check", "", "readiness URL")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "text or json")
	cmd.Flags().StringVar(&logOutput, "log-output", "file", "file or stdout")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func targetedCmd(use, short, action string, socket *string) *cobra.Command {
	var wait string
	cmd := &cobra.Command{
		Use:   use + " <target>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, cmdArgs []string) {
			opts := map[string]string{}
			if wait != "" {
				opts["wait"] = wait
			}
			os.Exit(send(*socket, controlplane.Request{Action: action, Target: cmdArgs[0], Options: opts}))
		},
	}
	if action == controlplane.ActionStop || action == controlplane.ActionRestart {
		cmd.Flags().StringVar(&wait, "wait", "", "grace period before SIGKILL (e.g. 5s)")
	}
	return cmd
}

func stopCmd(socket *string) *cobra.Command {
	return targetedCmd("stop", "Stop an entry (or \"all\")", controlplane.ActionStop, socket)
}

func restartCmd(socket *string) *cobra.Command {
	return targetedCmd("restart", "Restart an entry (or \"all\")", controlplane.ActionRestart, socket)
}

func deleteCmd(socket *string) *cobra.Command {
	return targetedCmd("delete", "Remove a stopped entry (or \"all\")", controlplane.ActionDelete, socket)
}

func statusCmd(socket *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [target]",
		Short: "Show one entry's status, or every entry if omitted",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, cmdArgs []string) {
			target := controlplane.TargetAll
			if len(cmdArgs) == 1 {
				target = cmdArgs[0]
			}
			os.Exit(send(*socket, controlplane.Request{Action: controlplane.ActionStatus, Target: target}))
		},
	}
	return cmd
}

func logsCmd(socket *string) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs <target>",
		Short: "Tail an entry's captured output",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, cmdArgs []string) {
			opts := map[string]string{"lines": fmt.Sprintf("%d", lines)}
			os.Exit(send(*socket, controlplane.Request{Action: controlplane.ActionLogs, Target: cmdArgs[0], Options: opts}))
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 100, "number of trailing lines")
	return cmd
}

func saveCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Force an immediate snapshot flush",
		Run: func(cmd *cobra.Command, cmdArgs []string) {
			os.Exit(send(*socket, controlplane.Request{Action: controlplane.ActionSave}))
		},
	}
}

func startupCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "startup",
		Short: "Install a boot-time autostart unit for the daemon",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, cmdArgs []string) {
			os.Exit(send(*socket, controlplane.Request{Action: controlplane.ActionStartup}))
		},
	}
}

func unstartupCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unstartup",
		Short: "Remove a previously installed autostart unit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, cmdArgs []string) {
			os.Exit(send(*socket, controlplane.Request{Action: controlplane.ActionUnstartup}))
		},
	}
}

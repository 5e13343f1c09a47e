package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhilabs/nhi/pkg/control"
	"github.com/nhilabs/nhi/pkg/types"
)

var startDetachedCmd = &cobra.Command{
	Use:   "start-detached PROGRAM [ARGS...]",
	Short: "Start a workload as a new detached instance",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := client().Do(&control.Request{
			Op:      control.OpStartDetached,
			Program: args[0],
			Args:    args[1:],
		})
		if err != nil {
			return err
		}
		fmt.Printf("Instance %s started\n", resp.InstanceID)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances, local and cluster-wide",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := client().Do(&control.Request{Op: control.OpList})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tROLE\tPID\tSEQ\tPROGRAM\tOWNER")
		for _, inst := range resp.Instances {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				inst.ID, roleLabel(inst), pidLabel(inst.PID), inst.Seq(), inst.Program, shortNode(string(inst.OwnerNode)))
		}
		for _, ri := range resp.Remote {
			fmt.Fprintf(w, "%s\tremote\t-\t%d\t%s\t%s\n",
				ri.ID, ri.Seq, ri.Program, shortNode(string(ri.OwnerNode)))
		}
		return w.Flush()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop INSTANCE",
	Short: "Stop a running instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := client().Do(&control.Request{Op: control.OpStop, ID: args[0]})
		if err != nil {
			return err
		}
		fmt.Printf("Instance %s stopped\n", args[0])
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause INSTANCE",
	Short: "Pause a running instance (SIGSTOP)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := client().Do(&control.Request{Op: control.OpPause, ID: args[0]})
		return err
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume INSTANCE",
	Short: "Resume a paused instance (SIGCONT)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := client().Do(&control.Request{Op: control.OpResume, ID: args[0]})
		return err
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint INSTANCE NAME",
	Short: "Take a named checkpoint of a running instance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := client().Do(&control.Request{Op: control.OpCheckpoint, ID: args[0], Name: args[1]})
		if err != nil {
			return err
		}
		fmt.Printf("Checkpoint %s created for %s\n", args[1], args[0])
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore INSTANCE [NAME]",
	Short: "Restore an instance from a checkpoint on this node",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &control.Request{Op: control.OpRestore, ID: args[0]}
		if len(args) == 2 {
			req.Name = args[1]
		}
		_, err := client().Do(req)
		if err != nil {
			return err
		}
		fmt.Printf("Instance %s restored\n", args[0])
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate INSTANCE NODE",
	Short: "Migrate a running instance to another node",
	Long: `Migrate hands the Running role for an instance to another node:
the process is checkpointed, its image set transferred, and the remote
node resurrects it. This node keeps the images and becomes a shadow.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start := time.Now()
		_, err := client().Do(&control.Request{Op: control.OpMigrate, ID: args[0], Target: args[1]})
		if err != nil {
			return err
		}
		fmt.Printf("Instance %s migrated to %s in %s\n", args[0], args[1], time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var cancelMigrationCmd = &cobra.Command{
	Use:   "cancel-migration INSTANCE",
	Short: "Cancel an in-flight migration before it commits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := client().Do(&control.Request{Op: control.OpCancel, ID: args[0]})
		return err
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge INSTANCE",
	Short: "Remove a stopped instance's record and on-disk state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := client().Do(&control.Request{Op: control.OpPurge, ID: args[0]})
		return err
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs INSTANCE",
	Short: "Print an instance's output log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := client().Do(&control.Request{Op: control.OpLogs, ID: args[0]})
		if err != nil {
			return err
		}
		fmt.Print(resp.Log)
		return nil
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List cluster members",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := client().Do(&control.Request{Op: control.OpNodes})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tADDR\tSTATUS\tLAST SEEN")
		for i, n := range resp.Nodes {
			lastSeen := "-"
			if i > 0 && !n.LastSeen.IsZero() {
				lastSeen = time.Since(n.LastSeen).Round(time.Second).String() + " ago"
			}
			status := string(n.Status)
			if i == 0 {
				status = "self"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", shortNode(string(n.ID)), n.Name, n.Addr, status, lastSeen)
		}
		return w.Flush()
	},
}

func roleLabel(inst *types.Instance) string {
	if inst.Paused {
		return string(inst.Role) + " (paused)"
	}
	return string(inst.Role)
}

func pidLabel(pid int) string {
	if pid == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", pid)
}

func shortNode(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

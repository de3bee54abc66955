package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ringvault/ringvault/internal/registry"
)

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "Inspect and manage cluster membership records",
}

var instancesListCmd = &cobra.Command{
	Use:   "list <app>",
	Short: "List every instance record of an app, sorted by id",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesList,
}

var instancesGetCmd = &cobra.Command{
	Use:   "get <app> <datacenter> <id>",
	Short: "Fetch one instance record",
	Args:  cobra.ExactArgs(3),
	RunE:  runInstancesGet,
}

var instancesPutCmd = &cobra.Command{
	Use:   "put <app> <id>",
	Short: "Create or update the record of an instance in the local datacenter",
	Long: "put writes the record <app>/<local region>/<id>. An existing record is " +
		"updated with the given flags; otherwise a new one is created, defaulting " +
		"to this node's identity.",
	Args: cobra.ExactArgs(2),
	RunE: runInstancesPut,
}

type instanceFlags struct {
	instanceID string
	hostname   string
	hostIP     string
	rack       string
	token      string
	volumes    map[string]string
}

var putFlags instanceFlags

var instancesDeleteCmd = &cobra.Command{
	Use:   "delete <app> <datacenter> <id>",
	Short: "Remove one instance record",
	Args:  cobra.ExactArgs(3),
	RunE:  runInstancesDelete,
}

func init() {
	instancesCmd.AddCommand(instancesListCmd)
	instancesCmd.AddCommand(instancesGetCmd)
	instancesCmd.AddCommand(instancesPutCmd)
	instancesCmd.AddCommand(instancesDeleteCmd)
	rootCmd.AddCommand(instancesCmd)

	f := instancesPutCmd.Flags()
	f.StringVar(&putFlags.instanceID, "instance-id", "", "cloud instance id (default: this node)")
	f.StringVar(&putFlags.hostname, "hostname", "", "hostname (default: this node)")
	f.StringVar(&putFlags.hostIP, "ip", "", "host IP (default: this node)")
	f.StringVar(&putFlags.rack, "rack", "", "rack or availability zone (default: this node)")
	f.StringVar(&putFlags.token, "token", "", "ring token")
	f.StringToStringVar(&putFlags.volumes, "volume", nil, "volume as mountPath=device; repeatable")
}

func runInstancesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp(a)

	records, err := a.registry.GetAllIDs(ctx, args[0])
	if err != nil {
		return err
	}
	a.registry.Sort(records)
	return printJSON(cmd, records)
}

func parseInstanceArgs(args []string) (app, dc string, id int, err error) {
	id, err = strconv.Atoi(args[2])
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid instance id %q: %w", args[2], err)
	}
	return args[0], args[1], id, nil
}

func runInstancesGet(cmd *cobra.Command, args []string) error {
	app, dc, id, err := parseInstanceArgs(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp(a)

	lookup := a.registry.GetInstance(ctx, app, dc, id)
	switch lookup.Status {
	case registry.Found:
		return printJSON(cmd, lookup.Record)
	case registry.NotFound:
		return fmt.Errorf("instance %s/%s/%d not found", app, dc, id)
	default:
		return fmt.Errorf("instance %s/%s/%d unavailable: %w", app, dc, id, lookup.Err)
	}
}

func runInstancesPut(cmd *cobra.Command, args []string) error {
	app := args[0]
	id, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid instance id %q: %w", args[1], err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp(a)

	rec, write, err := putInstance(ctx, a, app, id, cmd.Flags().Changed)
	if err != nil {
		return err
	}
	if err := write.Wait(ctx); err != nil {
		return fmt.Errorf("writing instance %s/%s/%d: %w", rec.App, rec.Datacenter, rec.ID, err)
	}
	return printJSON(cmd, rec)
}

// putInstance updates the existing record with the flags that were set, or
// creates one from the flags and the local identity.
func putInstance(ctx context.Context, a *app, app string, id int, changed func(string) bool) (*registry.InstanceRecord, registry.Write, error) {
	lookup := a.registry.GetInstance(ctx, app, a.info.Region(), id)
	switch lookup.Status {
	case registry.Found:
		rec := lookup.Record
		if changed("instance-id") {
			rec.InstanceID = putFlags.instanceID
		}
		if changed("hostname") {
			rec.Hostname = putFlags.hostname
		}
		if changed("ip") {
			rec.HostIP = putFlags.hostIP
		}
		if changed("rack") {
			rec.Rack = putFlags.rack
		}
		if changed("token") {
			rec.Token = putFlags.token
		}
		if changed("volume") {
			rec.Volumes = putFlags.volumes
		}
		return rec, a.registry.Update(ctx, rec), nil
	case registry.NotFound:
		rec, w := a.registry.Create(ctx, app, id,
			orDefault(putFlags.instanceID, a.info.InstanceID()),
			orDefault(putFlags.hostname, a.info.Hostname()),
			orDefault(putFlags.hostIP, a.info.HostIP()),
			orDefault(putFlags.rack, a.info.Rack()),
			putFlags.volumes, putFlags.token)
		return rec, w, nil
	default:
		return nil, registry.Write{}, fmt.Errorf("instance %s/%s/%d unavailable: %w", app, a.info.Region(), id, lookup.Err)
	}
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func runInstancesDelete(cmd *cobra.Command, args []string) error {
	app, dc, id, err := parseInstanceArgs(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp(a)

	a.registry.Delete(ctx, &registry.InstanceRecord{App: app, Datacenter: dc, ID: id})
	return printJSON(cmd, map[string]any{"app": app, "datacenter": dc, "id": id, "deleted": true})
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/datatypes"

	"procodus.dev/telemetry-broker/internal/store"
	"procodus.dev/telemetry-broker/pkg/logger"
)

// withStore opens the database for the duration of one admin command.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, s *store.Store) (any, error)) error {
	l := logger.WithComponent(GetLogger(), "admin")

	db, err := store.NewDB(dbConfig(l))
	if err != nil {
		return err
	}
	defer func() { _ = store.CloseDB(db, l) }()

	s, err := store.New(db, l)
	if err != nil {
		return err
	}

	out, err := fn(cmd.Context(), s)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func uidArg(args []string) (int64, error) {
	uid, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || uid <= 0 {
		return 0, fmt.Errorf("invalid uid %q", args[0])
	}
	return uid, nil
}

func jsonFlag(cmd *cobra.Command, name string) (datatypes.JSONMap, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return nil, nil
	}
	var m datatypes.JSONMap
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return m, nil
}

func locationFlags(cmd *cobra.Command) *store.Location {
	if !cmd.Flags().Changed("lat") && !cmd.Flags().Changed("long") {
		return nil
	}
	lat, _ := cmd.Flags().GetFloat64("lat")
	long, _ := cmd.Flags().GetFloat64("long")
	return &store.Location{Lat: lat, Long: long}
}

func addDeviceFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "device name")
	cmd.Flags().Float64("lat", 0, "latitude")
	cmd.Flags().Float64("long", 0, "longitude")
	cmd.Flags().String("props", "", "properties as a JSON object")
}

// mappingRef reads the mutually exclusive --pd and --ld flags.
func mappingRef(cmd *cobra.Command) (store.MappingRef, error) {
	pd, _ := cmd.Flags().GetInt64("pd")
	ld, _ := cmd.Flags().GetInt64("ld")
	switch {
	case pd > 0 && ld > 0:
		return store.MappingRef{}, errors.New("use exactly one of --pd and --ld")
	case pd > 0:
		return store.ByPhysical(pd), nil
	case ld > 0:
		return store.ByLogical(ld), nil
	default:
		return store.MappingRef{}, errors.New("one of --pd or --ld is required")
	}
}

func addRefFlags(cmd *cobra.Command) {
	cmd.Flags().Int64("pd", 0, "physical device uid")
	cmd.Flags().Int64("ld", 0, "logical device uid")
	cmd.MarkFlagsMutuallyExclusive("pd", "ld")
}

var pdCmd = &cobra.Command{
	Use:   "pd",
	Short: "Manage physical devices",
}

var ldCmd = &cobra.Command{
	Use:   "ld",
	Short: "Manage logical devices",
}

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Manage physical to logical device mappings",
}

func init() {
	rootCmd.AddCommand(pdCmd, ldCmd, mapCmd)

	pdLs := &cobra.Command{
		Use:   "ls",
		Short: "List physical devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, _ := cmd.Flags().GetString("source")
			ids, err := jsonFlag(cmd, "ids")
			if err != nil {
				return err
			}
			if ids != nil && source == "" {
				return errors.New("--ids requires --source")
			}
			return withStore(cmd, func(ctx context.Context, s *store.Store) (any, error) {
				if ids != nil {
					return s.FindPhysicalDevices(ctx, source, ids)
				}
				return s.ListPhysicalDevices(ctx, source)
			})
		},
	}
	pdLs.Flags().String("source", "", "only devices of this source")
	pdLs.Flags().String("ids", "", "only devices whose source ids contain this JSON object")

	pdGet := &cobra.Command{
		Use:   "get UID",
		Short: "Show a physical device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := uidArg(args)
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, s *store.Store) (any, error) {
				return s.GetPhysicalDevice(ctx, uid)
			})
		},
	}

	pdCreate := &cobra.Command{
		Use:   "create",
		Short: "Create a physical device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, _ := cmd.Flags().GetString("source")
			name, _ := cmd.Flags().GetString("name")
			ids, err := jsonFlag(cmd, "ids")
			if err != nil {
				return err
			}
			props, err := jsonFlag(cmd, "props")
			if err != nil {
				return err
			}
			dev := &store.PhysicalDevice{
				SourceName: source,
				Name:       name,
				Location:   locationFlags(cmd),
				SourceIDs:  ids,
				Properties: props,
			}
			if dev.SourceIDs == nil {
				dev.SourceIDs = datatypes.JSONMap{}
			}
			if dev.Properties == nil {
				dev.Properties = datatypes.JSONMap{}
			}
			return withStore(cmd, func(ctx context.Context, s *store.Store) (any, error) {
				return dev, s.CreatePhysicalDevice(ctx, dev)
			})
		},
	}
	addDeviceFlags(pdCreate)
	pdCreate.Flags().String("source", "", "source name")
	pdCreate.Flags().String("ids", "", "source ids as a JSON object")
	_ = pdCreate.MarkFlagRequired("source")

	pdUp := &cobra.Command{
		Use:   "up UID",
		Short: "Update a physical device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := uidArg(args)
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("name")
			ids, err := jsonFlag(cmd, "ids")
			if err != nil {
				return err
			}
			props, err := jsonFlag(cmd, "props")
			if err != nil {
				return err
			}
			dev := &store.PhysicalDevice{UID: uid, Name: name, Location: locationFlags(cmd), SourceIDs: ids, Properties: props}
			return withStore(cmd, func(ctx context.Context, s *store.Store) (any, error) {
				return dev, s.UpdatePhysicalDevice(ctx, dev)
			})
		},
	}
	addDeviceFlags(pdUp)
	pdUp.Flags().String("ids", "", "source ids as a JSON object")

	pdLum := &cobra.Command{
		Use:   "lum",
		Short: "List physical devices without an active mapping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, s *store.Store) (any, error) {
				return s.UnmappedPhysicalDevices(ctx)
			})
		},
	}

	pdCmd.AddCommand(pdLs, pdGet, pdCreate, pdUp, pdLum)

	ldLs := &cobra.Command{
		Use:   "ls",
		Short: "List logical devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, s *store.Store) (any, error) {
				return s.ListLogicalDevices(ctx)
			})
		},
	}

	ldGet := &cobra.Command{
		Use:   "get UID",
		Short: "Show a logical device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := uidArg(args)
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, s *store.Store) (any, error) {
				return s.GetLogicalDevice(ctx, uid)
			})
		},
	}

	ldCreate := &cobra.Command{
		Use:   "create",
		Short: "Create a logical device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			props, err := jsonFlag(cmd, "props")
			if err != nil {
				return err
			}
			if props == nil {
				props = datatypes.JSONMap{}
			}
			dev := &store.LogicalDevice{Name: name, Location: locationFlags(cmd), Properties: props}
			return withStore(cmd, func(ctx context.Context, s *store.Store) (any, error) {
				return dev, s.CreateLogicalDevice(ctx, dev)
			})
		},
	}
	addDeviceFlags(ldCreate)
	_ = ldCreate.MarkFlagRequired("name")

	ldUp := &cobra.Command{
		Use:   "up UID",
		Short: "Update a logical device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := uidArg(args)
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("name")
			props, err := jsonFlag(cmd, "props")
			if err != nil {
				return err
			}
			dev := &store.LogicalDevice{UID: uid, Name: name, Location: locationFlags(cmd), Properties: props}
			return withStore(cmd, func(ctx context.Context, s *store.Store) (any, error) {
				return dev, s.UpdateLogicalDevice(ctx, dev)
			})
		},
	}
	addDeviceFlags(ldUp)

	ldCmd.AddCommand(ldLs, ldGet, ldCreate, ldUp)

	mapStart := &cobra.Command{
		Use:   "start",
		Short: "Map a physical device to a logical device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pd, _ := cmd.Flags().GetInt64("pd")
			ld, _ := cmd.Flags().GetInt64("ld")
			start, _ := cmd.Flags().GetString("start")

			m := &store.Mapping{PhysicalUID: pd, LogicalUID: ld}
			if start != "" {
				t, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("--start: %w", err)
				}
				m.StartTime = t
			}
			return withStore(cmd, func(ctx context.Context, s *store.Store) (any, error) {
				return m, s.InsertMapping(ctx, m)
			})
		},
	}
	mapStart.Flags().Int64("pd", 0, "physical device uid")
	mapStart.Flags().Int64("ld", 0, "logical device uid")
	mapStart.Flags().String("start", "", "start time (RFC 3339, default now)")
	_ = mapStart.MarkFlagRequired("pd")
	_ = mapStart.MarkFlagRequired("ld")

	mapEnd := &cobra.Command{
		Use:   "end",
		Short: "End the active mapping of a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ref, err := mappingRef(cmd)
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, s *store.Store) (any, error) {
				return s.EndMapping(ctx, ref)
			})
		},
	}
	addRefFlags(mapEnd)

	mapCurrent := &cobra.Command{
		Use:   "current",
		Short: "Show the active mapping of a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ref, err := mappingRef(cmd)
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, s *store.Store) (any, error) {
				return s.CurrentMapping(ctx, ref)
			})
		},
	}
	addRefFlags(mapCurrent)

	mapLatest := &cobra.Command{
		Use:   "latest",
		Short: "Show the most recent mapping of a device, ended or not",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ref, err := mappingRef(cmd)
			if err != nil {
				return err
			}
			onlyCurrent, _ := cmd.Flags().GetBool("only-current")
			return withStore(cmd, func(ctx context.Context, s *store.Store) (any, error) {
				return s.LatestMapping(ctx, ref, onlyCurrent)
			})
		},
	}
	addRefFlags(mapLatest)
	mapLatest.Flags().Bool("only-current", false, "ignore ended mappings")

	mapLs := &cobra.Command{
		Use:   "ls",
		Short: "List active mappings, or the history of one device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("pd") && !cmd.Flags().Changed("ld") {
				return withStore(cmd, func(ctx context.Context, s *store.Store) (any, error) {
					return s.AllCurrentMappings(ctx)
				})
			}
			ref, err := mappingRef(cmd)
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, s *store.Store) (any, error) {
				return s.AllMappings(ctx, ref)
			})
		},
	}
	addRefFlags(mapLs)

	mapCmd.AddCommand(mapStart, mapEnd, mapCurrent, mapLatest, mapLs)
}

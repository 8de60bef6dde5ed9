package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/datosfinca/agrobodega/internal/config"
	"github.com/datosfinca/agrobodega/internal/database"
	"github.com/datosfinca/agrobodega/internal/engine"
	"github.com/datosfinca/agrobodega/internal/logging"
	"github.com/datosfinca/agrobodega/internal/records"
	"github.com/datosfinca/agrobodega/internal/store"
	"github.com/datosfinca/agrobodega/internal/syncer"
)

const defaultAuditLimit = 50

type deviceMode int

const (
	deviceLocal deviceMode = iota
	deviceOneShot
	deviceAgent
)

type device struct {
	engine *engine.Engine
	db     *gorm.DB
	logger *zap.Logger
}

func (d *device) close() error {
	closeErr := d.engine.Close()
	if err := database.Close(d.db); err != nil && closeErr == nil {
		closeErr = err
	}
	_ = d.logger.Sync()
	return closeErr
}

func (a *cli) openDevice(ctx context.Context, mode deviceMode) (*device, error) {
	clientConfig, err := config.LoadClient(a.viper)
	if err != nil {
		return nil, err
	}
	if mode != deviceLocal {
		if err := clientConfig.RequireRemote(); err != nil {
			return nil, err
		}
	}

	var logger *zap.Logger
	if mode == deviceAgent {
		logger, err = logging.NewFileLogger(clientConfig.LogLevel, clientConfig.LogFile)
	} else {
		logger, err = logging.NewLogger(clientConfig.LogLevel)
	}
	if err != nil {
		return nil, err
	}

	db, err := database.OpenLocal(clientConfig.LocalDatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	engineConfig := engine.Config{
		Database:     db,
		OwnerGroupID: clientConfig.OwnerGroupID,
		Logger:       logger,
		OnWarning: func(warning store.Warning) {
			logger.Warn("local store warning",
				zap.String("operation", warning.Operation),
				zap.String("collection", string(warning.Collection)),
				zap.Strings("record_ids", warning.RecordIDs),
				zap.Error(warning.Err))
		},
	}
	switch mode {
	case deviceOneShot:
		engineConfig.Endpoint = clientConfig.Endpoint
		engineConfig.Token = clientConfig.Token
		engineConfig.MaxAttempts = clientConfig.MaxAttempts
		engineConfig.InitialBackoff = clientConfig.InitialBackoff
		engineConfig.RequestTimeout = clientConfig.RequestTimeout
		engineConfig.Interval = -1
		engineConfig.ProbeInterval = -1
	case deviceAgent:
		engineConfig.Endpoint = clientConfig.Endpoint
		engineConfig.Token = clientConfig.Token
		engineConfig.MaxAttempts = clientConfig.MaxAttempts
		engineConfig.InitialBackoff = clientConfig.InitialBackoff
		engineConfig.RequestTimeout = clientConfig.RequestTimeout
		engineConfig.Debounce = clientConfig.Debounce
		engineConfig.Interval = clientConfig.Interval
		engineConfig.ProbeInterval = clientConfig.ProbeInterval
	}

	syncEngine, err := engine.Open(ctx, engineConfig)
	if err != nil {
		_ = database.Close(db)
		_ = logger.Sync()
		return nil, err
	}
	return &device{engine: syncEngine, db: db, logger: logger}, nil
}

func (a *cli) withDevice(ctx context.Context, mode deviceMode, fn func(*device) error) error {
	dev, err := a.openDevice(ctx, mode)
	if err != nil {
		return err
	}
	runErr := fn(dev)
	if err := dev.close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *cli) agentCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Keep the local database in sync until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.withDevice(signalCtx, deviceAgent, func(dev *device) error {
				states, cleanup := dev.engine.Subscribe(signalCtx)
				defer cleanup()
				dev.engine.Start(signalCtx)
				dev.logger.Info("sync agent started", zap.String("owner_group_id", dev.engine.OwnerGroupID()))
				for {
					select {
					case <-signalCtx.Done():
						dev.logger.Info("sync agent stopping")
						return nil
					case state, ok := <-states:
						if !ok {
							return nil
						}
						dev.logger.Debug("sync state changed",
							zap.Stringer("phase", state.Phase),
							zap.Bool("online", state.Online),
							zap.Time("last_sync_at", state.LastSyncAt))
					}
				}
			})
		},
	}
}

func (a *cli) recordCommand() *cobra.Command {
	var recordID string
	cmd := &cobra.Command{
		Use:   "record <collection> [file|-]",
		Short: "Create or update a record from a JSON payload",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, err := parseCollectionArg(args[0])
			if err != nil {
				return err
			}
			source := "-"
			if len(args) == 2 {
				source = args[1]
			}
			payload, err := readInput(cmd.InOrStdin(), source)
			if err != nil {
				return err
			}
			id, payload, err := splitRecordID(payload)
			if err != nil {
				return err
			}
			if recordID != "" {
				id = recordID
			}
			if err := records.ValidatePayload(collection, payload); err != nil {
				return err
			}
			return a.withDevice(cmd.Context(), deviceLocal, func(dev *device) error {
				saved, err := dev.engine.RecordMutation(cmd.Context(), collection, records.Record{ID: id, Payload: payload})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), saved)
			})
		},
	}
	cmd.Flags().StringVar(&recordID, "id", "", "Record id (generated when omitted)")
	return cmd
}

func (a *cli) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a record from this device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, err := parseCollectionArg(args[0])
			if err != nil {
				return err
			}
			return a.withDevice(cmd.Context(), deviceLocal, func(dev *device) error {
				return dev.engine.Delete(cmd.Context(), collection, args[1])
			})
		},
	}
}

func (a *cli) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <collection>",
		Short: "Print the local records of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, err := parseCollectionArg(args[0])
			if err != nil {
				return err
			}
			return a.withDevice(cmd.Context(), deviceLocal, func(dev *device) error {
				all, err := dev.engine.List(cmd.Context(), collection)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), all)
			})
		},
	}
}

func (a *cli) syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDevice(cmd.Context(), deviceOneShot, func(dev *device) error {
				report, err := dev.engine.SyncNow(cmd.Context())
				if writeErr := writeJSON(cmd.OutOrStdout(), reportView(report)); writeErr != nil && err == nil {
					err = writeErr
				}
				return err
			})
		},
	}
}

func (a *cli) hydrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hydrate",
		Short: "Download everything the server holds for the warehouse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDevice(cmd.Context(), deviceOneShot, func(dev *device) error {
				report, err := dev.engine.Hydrate(cmd.Context())
				if writeErr := writeJSON(cmd.OutOrStdout(), reportView(report)); writeErr != nil && err == nil {
					err = writeErr
				}
				return err
			})
		},
	}
}

func (a *cli) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending records and the last sync time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDevice(cmd.Context(), deviceLocal, func(dev *device) error {
				pending, err := dev.engine.Pending(cmd.Context())
				if err != nil {
					return err
				}
				status := map[string]any{
					"ownerGroupId": dev.engine.OwnerGroupID(),
					"pending":      pending,
					"degraded":     dev.engine.Degraded(),
					"lastSync":     nil,
				}
				if last := dev.engine.SyncState().LastSyncAt; !last.IsZero() {
					status["lastSync"] = records.FormatTime(last)
				}
				return writeJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func (a *cli) exportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Write a JSON backup of the local database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDevice(cmd.Context(), deviceLocal, func(dev *device) error {
				snapshot, err := dev.engine.Export(cmd.Context())
				if err != nil {
					return err
				}
				if len(args) == 0 || args[0] == "-" {
					return writeJSON(cmd.OutOrStdout(), snapshot)
				}
				file, err := os.Create(args[0])
				if err != nil {
					return err
				}
				if err := writeJSON(file, snapshot); err != nil {
					_ = file.Close()
					return err
				}
				return file.Close()
			})
		},
	}
}

func (a *cli) importCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Restore a JSON backup into the local database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			var snapshot store.Snapshot
			if err := json.Unmarshal(raw, &snapshot); err != nil {
				return fmt.Errorf("decode backup: %w", err)
			}
			return a.withDevice(cmd.Context(), deviceLocal, func(dev *device) error {
				restored, err := dev.engine.Import(cmd.Context(), snapshot)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d records\n", restored)
				return err
			})
		},
	}
}

func (a *cli) auditCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the newest audit entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDevice(cmd.Context(), deviceLocal, func(dev *device) error {
				entries, err := dev.engine.AuditLog(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", defaultAuditLimit, "Maximum number of entries")
	return cmd
}

func parseCollectionArg(raw string) (records.Collection, error) {
	if collection, err := records.ParseCollection(raw); err == nil {
		return collection, nil
	}
	return records.ParseWireName(raw)
}

func readInput(stdin io.Reader, source string) ([]byte, error) {
	if strings.TrimSpace(source) == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(source)
}

// splitRecordID pulls an optional "id" out of a payload object.
func splitRecordID(raw []byte) (string, json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", nil, fmt.Errorf("%w: %v", records.ErrInvalidPayload, err)
	}
	var id string
	if value, ok := fields["id"]; ok {
		if err := json.Unmarshal(value, &id); err != nil {
			return "", nil, fmt.Errorf("%w: id must be a string", records.ErrInvalidPayload)
		}
		delete(fields, "id")
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", nil, err
	}
	return id, payload, nil
}

func reportView(report syncer.Report) map[string]any {
	view := map[string]any{
		"skipped":      report.Skipped,
		"pushed":       report.Pushed,
		"acknowledged": report.Acknowledged,
		"requeued":     report.Requeued,
		"pulled":       report.Pulled,
		"inserted":     report.Merge.Inserted,
		"overwritten":  report.Merge.Overwritten,
		"keptLocal":    report.Merge.KeptLocal,
		"rejected":     report.Rejected,
	}
	if !report.LastSync.IsZero() {
		view["lastSync"] = records.FormatTime(report.LastSync)
	}
	return view
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

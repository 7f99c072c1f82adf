// Provd-migrate - one-shot store schema migration
//
// Backfills tenant ownership on pre-multitenant device records and stamps
// the store with a migration marker. Running against an already migrated
// store exits with status 2 so init scripts can treat it as a no-op.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/provd-server/provd/pkg/provd"
	"github.com/provd-server/provd/pkg/store"
	"github.com/provd-server/provd/pkg/tenant"
	"github.com/provd-server/provd/pkg/util"
)

const migrationMarkerID = "migration"
const migrationVersion = 1

var (
	configFile string
	tenantUUID string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "provd-migrate",
		Short: "Migrate the provisioning store to the multitenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVar(&configFile, "config-file", "", "daemon configuration file")
	rootCmd.Flags().StringVar(&tenantUUID, "tenant", "master", "tenant to assign unowned devices to")

	if err := rootCmd.Execute(); err != nil {
		util.Logger.Errorf("Migration failed: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg := provd.DefaultConfig()
	if configFile != "" {
		if err := cfg.LoadConfigFile(configFile); err != nil {
			return err
		}
	}

	var devices, tenants, configuration store.Collection
	if cfg.Database.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Database.RedisAddr,
			DB:       cfg.Database.RedisDB,
			Password: cfg.Database.RedisPassword,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to Redis: %w", err)
		}
		devices = store.NewRedis(client, "devices", nil)
		tenants = store.NewRedis(client, "tenants", nil)
		configuration = store.NewRedis(client, "configuration", nil)
	} else {
		// A memory store has nothing to migrate, but the marker logic
		// still runs so the tool behaves uniformly.
		devices = store.NewMemory(nil)
		tenants = store.NewMemory(nil)
		configuration = store.NewMemory(nil)
	}

	marker, err := configuration.Retrieve(ctx, migrationMarkerID)
	if err != nil {
		return err
	}
	if marker != nil {
		fmt.Fprintln(os.Stderr, "store already migrated")
		os.Exit(2)
	}

	migrated, err := backfillTenants(ctx, devices, tenants)
	if err != nil {
		return err
	}

	err = configuration.Update(ctx, store.Document{
		"id":      migrationMarkerID,
		"version": migrationVersion,
	})
	if err != nil {
		return err
	}
	fmt.Printf("migrated %d device(s)\n", migrated)
	return nil
}

// backfillTenants assigns ownerless devices to the target tenant and makes
// sure a tenant record exists.
func backfillTenants(ctx context.Context, devices, tenants store.Collection) (int, error) {
	svc := tenant.NewService(tenants)
	if _, err := svc.GetOrCreate(ctx, tenantUUID); err != nil {
		return 0, err
	}

	docs, err := devices.Find(ctx, store.Selector{
		"tenant_uuid": map[string]interface{}{"$exists": false},
	}, nil)
	if err != nil {
		return 0, err
	}
	for _, doc := range docs {
		doc["tenant_uuid"] = tenantUUID
		if err := devices.Update(ctx, doc); err != nil {
			return 0, fmt.Errorf("updating device %s: %w", store.DocumentID(doc), err)
		}
	}
	return len(docs), nil
}

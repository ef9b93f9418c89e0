package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/durablewasm", "Node data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to back up metadata.db before migration (default: <data-dir>/metadata.db.backup)")
	account    = flag.String("default-account", "default", "Account ID to prefix pre-multi-tenancy component keys with")
)

const bucketComponents = "components"
const bucketComponentsLegacy = "components_legacy"

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("durablewasm metadata migration - single-tenant -> account-prefixed component keys")
	log.Println("===================================================================================")

	dbPath := filepath.Join(*dataDir, "metadata.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Metadata store not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("Failed to open metadata store: %v", err)
	}
	defer db.Close()

	if err := migrateComponentKeys(db, *dryRun, *account); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
	} else {
		log.Println("\n✓ Migration completed successfully!")
		log.Println("Pre-migration records were preserved under the 'components_legacy' bucket.")
		log.Println("After verifying every component installs and loads correctly, delete it with:")
		log.Printf("  bolt bucket delete %s %s", dbPath, bucketComponentsLegacy)
	}
}

// migrateComponentKeys rewrites component.Service's bucket keys from the
// pre-multi-tenancy scheme ("componentID/version") to the current
// ("accountID/componentID/version") scheme used by bucketKey in
// pkg/component/service.go. A key already in three segments is left
// untouched; the legacy copy is kept alongside rather than overwritten so
// the migration can be rolled back by hand.
func migrateComponentKeys(db *bolt.DB, dryRun bool, defaultAccount string) error {
	var legacyCount int
	type rewrite struct {
		oldKey []byte
		newKey []byte
		value  []byte
	}
	var rewrites []rewrite

	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketComponents))
		if b == nil {
			log.Println("✓ No 'components' bucket found - nothing to migrate")
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if strings.Count(string(k), "/") == 2 {
				return nil // already account-prefixed
			}
			legacyCount++
			newKey := []byte(defaultAccount + "/" + string(k))
			value := make([]byte, len(v))
			copy(value, v)
			rewrites = append(rewrites, rewrite{oldKey: append([]byte(nil), k...), newKey: newKey, value: value})
			return nil
		})
	})
	if err != nil {
		return err
	}

	if legacyCount == 0 {
		log.Println("✓ No legacy-format component keys found")
		return nil
	}
	log.Printf("Found %d legacy-format component key(s)", legacyCount)

	if dryRun {
		log.Println("\n[DRY RUN] Would perform the following operations:")
		log.Println("1. Create 'components_legacy' bucket")
		log.Printf("2. Preserve %d legacy records there under their original keys", legacyCount)
		log.Printf("3. Rewrite %d records in 'components' under %q-prefixed keys", legacyCount, defaultAccount)
		return nil
	}

	return db.Update(func(tx *bolt.Tx) error {
		components, err := tx.CreateBucketIfNotExists([]byte(bucketComponents))
		if err != nil {
			return fmt.Errorf("opening components bucket: %w", err)
		}
		legacy, err := tx.CreateBucketIfNotExists([]byte(bucketComponentsLegacy))
		if err != nil {
			return fmt.Errorf("creating components_legacy bucket: %w", err)
		}

		for i, rw := range rewrites {
			if err := legacy.Put(rw.oldKey, rw.value); err != nil {
				return fmt.Errorf("preserving legacy key %s: %w", rw.oldKey, err)
			}
			if err := components.Put(rw.newKey, rw.value); err != nil {
				return fmt.Errorf("writing migrated key %s: %w", rw.newKey, err)
			}
			if err := components.Delete(rw.oldKey); err != nil {
				return fmt.Errorf("removing legacy key %s: %w", rw.oldKey, err)
			}
			if (i+1)%10 == 0 {
				log.Printf("  Migrated %d/%d...", i+1, len(rewrites))
			}
		}
		log.Printf("✓ Migrated %d/%d component keys", len(rewrites), len(rewrites))
		return nil
	})
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}

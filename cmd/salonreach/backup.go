package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"salonreach/internal/config"

	"github.com/spf13/cobra"
)

// Archive member names. Restore maps them back to the configured paths, so a
// backup can move between machines with different home directories.
const (
	memberConfig = "config.json"
	memberDB     = "history.db"
)

// backupSet pairs archive member names with files on disk.
type backupSet map[string]string

func currentBackupSet(cfgPath, dbPath string) backupSet {
	return backupSet{
		memberConfig:      cfgPath,
		memberDB:          dbPath,
		memberDB + "-wal": dbPath + "-wal",
		memberDB + "-shm": dbPath + "-shm",
	}
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config and campaign history",
		Long: `Creates a compressed .tar.gz archive with the config file and the campaign
history database. The browser profile is not included; scan the QR code again
after restoring on a new machine.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				return err
			}

			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, fmt.Sprintf("salonreach-backup-%s.tar.gz", time.Now().Format("20060102-150405")))
			}

			n, err := writeBackup(outputPath, currentBackupSet(cfgPath, cfg.History.DBPath))
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			fmt.Printf("Backup created: %s (%d file(s))\n", outputPath, n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.salonreach/backups/salonreach-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore the config and campaign history from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				return err
			}
			set := currentBackupSet(cfgPath, cfg.History.DBPath)

			if !force {
				for _, p := range []string{cfgPath, cfg.History.DBPath} {
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: %s exists and would be overwritten.\n", p)
						return errors.New("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := readBackup(args[0], set)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restored from %s:\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

// writeBackup archives every file of set that exists and returns how many.
func writeBackup(outputPath string, set backupSet) (int, error) {
	var members []string
	for name, path := range set {
		if _, err := os.Stat(path); err == nil {
			members = append(members, name)
		}
	}
	if len(members) == 0 {
		return 0, errors.New("nothing to back up")
	}

	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, name := range members {
		if err = addFile(tw, name, set[name]); err != nil {
			err = fmt.Errorf("add %s: %w", name, err)
			break
		}
	}
	// Close in order; the first error wins.
	for _, c := range []io.Closer{tw, gz, out} {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		os.Remove(outputPath)
		return 0, err
	}
	return len(members), nil
}

func addFile(tw *tar.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// readBackup extracts known members to their paths in set. Unknown members
// are skipped.
func readBackup(archivePath string, set backupSet) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, err
		}
		target, ok := set[hdr.Name]
		if !ok || hdr.Typeflag != tar.TypeReg {
			logger.Warn("skipping unknown backup member", "name", hdr.Name)
			continue
		}
		if err := extractFile(tr, target); err != nil {
			return restored, fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func extractFile(r io.Reader, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

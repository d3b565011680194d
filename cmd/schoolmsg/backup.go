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

	"schoolmsg/internal/config"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// backupEntry pairs a file on disk with its fixed name inside a backup, so
// that restore can put every entry back wherever the current config says.
type backupEntry struct {
	name string
	path string
}

// backupSet lists the files a backup may hold: the config and the SQLite
// archive with its WAL sidecars.
func backupSet(cfgPath, dbPath string) []backupEntry {
	return []backupEntry{
		{name: "config" + filepath.Ext(cfgPath), path: cfgPath},
		{name: "archive.db", path: dbPath},
		{name: "archive.db-wal", path: dbPath + "-wal"},
		{name: "archive.db-shm", path: dbPath + "-shm"},
	}
}

func existing(set []backupEntry) []backupEntry {
	var out []backupEntry
	for _, e := range set {
		if _, err := os.Stat(e.path); err == nil {
			out = append(out, e)
		}
	}
	return out
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the message archive and config",
		Long:  "Writes the config file and the SQLite message archive into a timestamped .tar.gz.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			present := existing(backupSet(cfgPath, resolveDBPath(cfgPath)))
			if len(present) == 0 {
				return errors.New("nothing to back up: no config or archive found")
			}

			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create backup dir: %w", err)
				}
				outputPath = filepath.Join(dir, "schoolmsg-"+time.Now().Format("20060102-150405")+".tar.gz")
			}
			if err := writeBackup(outputPath, present); err != nil {
				return fmt.Errorf("backup: %w", err)
			}

			fmt.Printf("Wrote %s\n", outputPath)
			for _, e := range present {
				var size uint64
				if info, err := os.Stat(e.path); err == nil {
					size = uint64(info.Size())
				}
				fmt.Printf("  %-16s %8s  %s\n", e.name, humanize.Bytes(size), e.path)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "backup file (default: ~/.schoolmsg/backups/schoolmsg-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore the message archive and config from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			set := backupSet(cfgPath, resolveDBPath(cfgPath))

			if present := existing(set); len(present) > 0 && !force {
				for _, e := range present {
					fmt.Printf("  would overwrite %s\n", e.path)
				}
				return errors.New("restore aborted; rerun with --force to overwrite")
			}

			restored, err := readBackup(args[0], set)
			if err != nil {
				return fmt.Errorf("restore: %w", err)
			}
			fmt.Printf("Restored %d file(s) from %s\n", len(restored), args[0])
			for _, p := range restored {
				fmt.Printf("  %s\n", p)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

// resolveDBPath reads the archive path from the config, falling back to the
// default location next to it.
func resolveDBPath(cfgPath string) string {
	if cfg, err := config.Load(cfgPath); err == nil && cfg.Archive.DBPath != "" {
		return cfg.Archive.DBPath
	}
	return filepath.Join(filepath.Dir(cfgPath), "archive.db")
}

func writeBackup(out string, entries []backupEntry) (err error) {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		if err := appendFile(tw, e); err != nil {
			return fmt.Errorf("add %s: %w", e.path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func appendFile(tw *tar.Writer, e backupEntry) error {
	src, err := os.Open(e.path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    e.name,
		Mode:    int64(info.Mode().Perm()),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, src)
	return err
}

// readBackup writes each known entry of the backup at in to its path in set
// and returns the paths written. Unknown entries are skipped.
func readBackup(in string, set []backupEntry) ([]string, error) {
	f, err := os.Open(in)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()

	targets := make(map[string]string, len(set))
	for _, e := range set {
		targets[e.name] = e.path
	}

	var restored []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return restored, nil
		}
		if err != nil {
			return restored, err
		}
		path, ok := targets[filepath.Base(hdr.Name)]
		if !ok {
			logger.Warn("skipping unknown backup entry", "name", hdr.Name)
			continue
		}
		if err := extractTo(path, tr); err != nil {
			return restored, err
		}
		restored = append(restored, path)
	}
}

func extractTo(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Configs may hold a token.
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, r); err != nil {
		dst.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return dst.Close()
}

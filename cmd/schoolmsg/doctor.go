package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"schoolmsg/internal/config"
	"schoolmsg/internal/templates"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your schoolmsg setup",
		Long: `Verifies that the configuration, identity, token, archive and service
endpoints are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("schoolmsg doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'schoolmsg init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("config is invalid")
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Identity
			if cfg.Identity.UserID == "" {
				printFail("Identity", "identity.userId is not set")
				failed++
			} else {
				printPass("Identity", fmt.Sprintf("%s (%s)", cfg.Identity.UserID, cfg.Identity.Role))
				passed++
			}

			// 4. Token
			if _, err := resolveToken(cfg); err != nil {
				printWarn("Token", err.Error())
				warned++
			} else {
				printPass("Token", "configured")
				passed++
			}

			// 5. Service endpoints reachable
			for _, ep := range []struct{ name, raw string }{
				{"REST API", cfg.Server.APIBase},
				{"WebSocket", cfg.Server.WebSocketURL},
			} {
				if err := checkReachable(ep.raw, 3*time.Second); err != nil {
					printWarn(ep.name, err.Error())
					warned++
				} else {
					printPass(ep.name, ep.raw)
					passed++
				}
			}

			// 6. Archive writable
			if cfg.Archive.Enabled {
				if err := checkDatabase(cfg.Archive.DBPath); err != nil {
					printFail("Archive", err.Error())
					failed++
				} else {
					printPass("Archive", cfg.Archive.DBPath)
					passed++
				}
			} else {
				printWarn("Archive", "disabled (history --offline will not work)")
				warned++
			}

			// 7. Local templates
			if cfg.Messaging.TemplatesDir != "" {
				tpls, err := templates.LoadDirectory(cfg.Messaging.TemplatesDir, logger)
				if err != nil {
					printWarn("Templates", err.Error())
					warned++
				} else {
					printPass("Templates", fmt.Sprintf("%d local in %s", len(tpls), cfg.Messaging.TemplatesDir))
					passed++
				}
			}

			// 8. Metrics address free
			if cfg.Metrics.Enabled {
				if err := checkPort(cfg.Metrics.Addr); err != nil {
					printWarn("Metrics addr", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
					warned++
				} else {
					printPass("Metrics addr", cfg.Metrics.Addr+" available")
					passed++
				}
			}

			// 9. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before using schoolmsg.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nschoolmsg should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! schoolmsg is ready.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

// checkReachable opens a TCP connection to the host of raw.
func checkReachable(raw string, timeout time.Duration) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		switch strings.ToLower(u.Scheme) {
		case "https", "wss":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	conn, err := net.DialTimeout("tcp", host, timeout)
	if err != nil {
		return fmt.Errorf("%s unreachable: %w", host, err)
	}
	conn.Close()
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"salonreach/internal/config"
	"salonreach/internal/history"

	"github.com/spf13/cobra"
)

// chromeCandidates mirrors the binary names chromedp's allocator searches.
var chromeCandidates = []string{
	"google-chrome", "google-chrome-stable", "chromium", "chromium-browser",
	"chrome", "headless-shell",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your SalonReach installation",
		Long: `Verifies that the configuration, history database, Chrome binary, browser
profile and listen port are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("SalonReach Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed, failed, warned := 0, 0, 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			// 2. Config loads and validates
			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Chrome binary
			if bin, err := findChrome(cfg.Browser.ExecPath); err != nil {
				printFail("Chrome", err.Error())
				failed++
			} else {
				printPass("Chrome", bin)
				passed++
			}

			// 4. Browser profile directory writable
			if err := checkWritableDir(cfg.Browser.ProfileDir); err != nil {
				printFail("Browser profile", err.Error())
				failed++
			} else {
				printPass("Browser profile", cfg.Browser.ProfileDir)
				passed++
			}

			// 5. History database
			if cfg.History.Enabled {
				if err := checkHistory(cfg.History.DBPath); err != nil {
					printFail("History database", err.Error())
					failed++
				} else {
					printPass("History database", cfg.History.DBPath)
					passed++
				}
			} else {
				printWarn("History database", "disabled; campaign reports are not kept")
				warned++
			}

			// 6. Listen port
			if err := checkPort(cfg.Server.Addr()); err != nil {
				printWarn("Server port", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
				warned++
			} else {
				printPass("Server port", cfg.Server.Addr()+" available")
				passed++
			}

			// 7. Exposure
			if cfg.Server.Host != "127.0.0.1" && cfg.Server.Host != "localhost" {
				printWarn("Server host", fmt.Sprintf("%s is reachable beyond this machine; the API has no authentication", cfg.Server.Host))
				warned++
			}

			// 8. Telegram
			if tc := cfg.Notify.Telegram; tc.Enabled {
				printPass("Telegram", fmt.Sprintf("%d chat(s)", len(tc.ChatIDs)))
				passed++
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running SalonReach.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nSalonReach should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Run 'salonreach serve' to start.\n")
			}
			return nil
		},
	}
}

func findChrome(execPath string) (string, error) {
	if execPath != "" {
		info, err := os.Stat(execPath)
		if err != nil {
			return "", fmt.Errorf("configured binary not found: %s", execPath)
		}
		if info.IsDir() {
			return "", fmt.Errorf("configured binary is a directory: %s", execPath)
		}
		return execPath, nil
	}
	for _, name := range chromeCandidates {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no Chrome or Chromium binary on PATH; set browser.execPath")
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	probe := filepath.Join(dir, ".doctor")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	return os.Remove(probe)
}

// checkHistory opens the store, which also applies pending migrations.
func checkHistory(dbPath string) error {
	hs, err := history.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := hs.ListReports(ctx, 1); err != nil {
		return fmt.Errorf("not readable: %w", err)
	}
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

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"schoolmsg/internal/config"

	"github.com/spf13/cobra"
)

var knownRoles = []struct {
	ID   string
	Desc string
}{{"guardian", "Parent or guardian of a student"}, {"staff", "Teacher or school staff"}}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: identity → service → token → save config",
		Long:  "Guides you through your user id and role, the service endpoints and the auth token. Writes config to the path used by --config or default.",
		RunE:  runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" && def != "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Identity
	fmt.Println("\n--- Step 1: Identity ---")
	fmt.Fprint(os.Stdout, "Your user id on the school service")
	id, err := prompt(cfg.Identity.UserID)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("a user id is required")
	}
	cfg.Identity.UserID = id

	for i, r := range knownRoles {
		fmt.Fprintf(os.Stdout, "  %d) %s: %s\n", i+1, r.ID, r.Desc)
	}
	fmt.Fprint(os.Stdout, "Choose role (1–2)")
	defNum := "1"
	if cfg.Identity.Role == "staff" {
		defNum = "2"
	}
	choice, err := prompt(defNum)
	if err != nil {
		return err
	}
	var idx int
	if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(knownRoles) {
		idx = 1
	}
	cfg.Identity.Role = knownRoles[idx-1].ID
	fmt.Fprintf(os.Stdout, "  Using %s as %s\n", cfg.Identity.UserID, cfg.Identity.Role)

	// Step 2: Service
	fmt.Println("\n--- Step 2: Service ---")
	fmt.Fprint(os.Stdout, "REST API base URL")
	if cfg.Server.APIBase, err = prompt(cfg.Server.APIBase); err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, "WebSocket URL")
	if cfg.Server.WebSocketURL, err = prompt(cfg.Server.WebSocketURL); err != nil {
		return err
	}

	// Step 3: Token
	fmt.Println("\n--- Step 3: Auth token ---")
	fmt.Fprint(os.Stdout, "Token: paste it or an env var reference (e.g. ${SCHOOLMSG_TOKEN})")
	tok, err := prompt("${SCHOOLMSG_TOKEN}")
	if err != nil {
		return err
	}
	cfg.Identity.Token = tok

	// Save
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: run 'schoolmsg doctor', then 'schoolmsg listen' or 'schoolmsg inbox'.")
	return nil
}

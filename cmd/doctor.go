package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/brewva/brewva/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("brewva doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
	}

	fmt.Println()
	fmt.Println("  Secrets (env only):")
	checkSecret("BREWVA_TELEGRAM_TOKEN", cfg.Telegram.Token)
	checkSecret("BREWVA_CALLBACK_SECRET", cfg.Telegram.CallbackSecret)
	if cfg.Ingress.Enabled {
		checkSecret("ingress bearer token", cfg.Ingress.BearerToken)
		checkSecret("ingress HMAC secret", cfg.Ingress.HMACSecret)
	}

	fmt.Println()
	fmt.Println("  Workspace:")
	checkDir("workspace", cfg.WorkspacePath())
	checkDir("channel state", cfg.ChannelStateDir())
	checkDir("agents", cfg.AgentsDir())
	checkDir("turn wal", cfg.TurnWalDir())

	fmt.Println()
	fmt.Printf("  Runtime kind: %s\n", cfg.Runtime.Kind)
	fmt.Printf("  Routing scope: %s\n", cfg.Telegram.RoutingScope)
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-24s NOT SET\n", name+":")
		return
	}
	fmt.Printf("    %-24s set (%d chars)\n", name+":", len(value))
}

func checkDir(name, dir string) {
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		fmt.Printf("    %-14s %s (will be created)\n", name+":", dir)
	case err != nil:
		fmt.Printf("    %-14s %s (ERROR: %s)\n", name+":", dir, err)
	case !info.IsDir():
		fmt.Printf("    %-14s %s (NOT A DIRECTORY)\n", name+":", dir)
	default:
		probe := filepath.Join(dir, ".brewva-doctor")
		if f, werr := os.Create(probe); werr != nil {
			fmt.Printf("    %-14s %s (NOT WRITABLE)\n", name+":", dir)
		} else {
			f.Close()
			os.Remove(probe)
			fmt.Printf("    %-14s %s (OK)\n", name+":", dir)
		}
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/medauthz"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "check":
		handleCheck()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("medauthz-config - Configuration tool for medauthz")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  medauthz-config convert <input> <output>            - Convert between formats")
	fmt.Println("  medauthz-config validate <file>                     - Validate configuration")
	fmt.Println("  medauthz-config stats <file>                        - Show configuration statistics")
	fmt.Println("  medauthz-config check <file> <subject> <action> <resource> - Evaluate one request")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: medauthz-config convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: medauthz-config validate <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version:       %d\n", cfg.Version)
	fmt.Printf("  Policies:      %d\n", len(cfg.Policies))
	fmt.Printf("  Relationships: %d\n", len(cfg.Tuples))
	fmt.Printf("  Inheritance:   %d\n", len(cfg.Inheritance))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: medauthz-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Policies:      %d\n", len(cfg.Policies))
	fmt.Printf("  Relationships: %d\n", len(cfg.Tuples))
	fmt.Printf("  Inheritance:   %d\n", len(cfg.Inheritance))
	fmt.Println()

	if len(cfg.Policies) > 0 {
		byEffect := map[medauthz.EffectKind]int{}
		enabled := 0
		for _, p := range cfg.Policies {
			byEffect[p.Effect.Kind]++
			if p.Enabled {
				enabled++
			}
		}
		fmt.Println("Policy Details:")
		fmt.Printf("  Enabled: %d/%d\n", enabled, len(cfg.Policies))
		for effect, n := range byEffect {
			fmt.Printf("  %-22s %d\n", string(effect)+":", n)
		}
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Max relation depth:  %d\n", cfg.Engine.MaxRelationDepth)
	fmt.Printf("  Cache TTL:           %ds\n", cfg.Engine.CacheTTLSeconds)
	fmt.Printf("  Max cache size:      %d\n", cfg.Engine.MaxCacheSize)
	fmt.Printf("  Caching enabled:     %t\n", cfg.Engine.EnableCaching)
	fmt.Printf("  Audit enabled:       %t\n", cfg.Engine.EnableAudit)
	fmt.Printf("  Emergency override:  %t\n", cfg.Engine.EnableEmergencyOverride)
	fmt.Println()
	fmt.Println("Audit Configuration:")
	fmt.Printf("  Retention days:      %d\n", cfg.Audit.RetentionDays)
	fmt.Printf("  Log all decisions:   %t\n", cfg.Audit.LogAllDecisions)
	fmt.Printf("  Fail closed:         %t\n", cfg.Audit.FailClosed)
}

func handleCheck() {
	if len(os.Args) < 6 {
		fmt.Println("Usage: medauthz-config check <file> <subject> <action> <resource>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	subject, err := medauthz.ParseSubject(os.Args[3])
	if err != nil {
		fmt.Printf("Invalid subject: %v\n", err)
		os.Exit(1)
	}
	action := medauthz.Action(os.Args[4])
	resource, err := medauthz.ParseResource(os.Args[5])
	if err != nil {
		fmt.Printf("Invalid resource: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	engine, err := medauthz.NewEngineFromConfig(ctx, cfg)
	if err != nil {
		fmt.Printf("Error building engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	resp, err := engine.Check(ctx, medauthz.NewRequest(subject, action, resource, nil))
	if err != nil {
		fmt.Printf("Check failed: %v\n", err)
	}
	if resp == nil {
		os.Exit(1)
	}

	fmt.Printf("Decision:   %s\n", resp.Decision)
	fmt.Printf("Allowed:    %t\n", resp.Allowed)
	fmt.Printf("Confidence: %.2f\n", resp.Confidence)
	for _, r := range resp.Reasons {
		fmt.Printf("Reason:     %s\n", r)
	}
	for _, r := range resp.Requirements {
		fmt.Printf("Requires:   %s\n", r)
	}
	if !resp.Allowed {
		os.Exit(2)
	}
}

func loadConfig(filename string) (*medauthz.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	loader := medauthz.NewConfigLoader()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
}

func saveConfig(cfg *medauthz.Config, filename string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}

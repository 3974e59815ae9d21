package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/minutemeter/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the minutemeter configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "❌ %s is invalid: %v\n", configPath, err)
		return err
	}

	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "⚠️  Could not check for unknown keys: %v\n", err)
	}

	fmt.Fprintf(out, "✅ %s is valid\n", configPath)

	warn := color.New(color.FgRed, color.Bold)
	if len(unknownKeys) > 0 {
		warn.Fprintf(out, "\n⚠️  %d unknown key(s) will be ignored:\n", len(unknownKeys))
		for _, key := range unknownKeys {
			warn.Fprintf(out, "   - %s\n", key)
		}
	}

	if cfg.API.Enabled && cfg.API.WebhookToken == "" {
		color.New(color.FgYellow).Fprintln(out, "\n⚠️  api.webhook_token is empty: billing webhooks will be rejected.")
	}

	if validateDump {
		rule := strings.Repeat("=", 80)
		fmt.Fprintf(out, "\n%s\nEFFECTIVE CONFIGURATION (non-default values highlighted)\n%s\n", rule, rule)
		if err := dumpConfig(out, configPath); err != nil {
			return err
		}
		fmt.Fprintln(out, rule)
	}

	return nil
}

// optionalKeys are valid keys that have no default value.
var optionalKeys = []string{
	"storage.redis.password",
	"reporting.dsn",
	"api.webhook_token",
}

// secretKeys are never printed by --dump.
var secretKeys = map[string]bool{
	"storage.redis.password": true,
	"reporting.dsn":          true,
	"api.webhook_token":      true,
}

// findUnknownKeys lists keys present in the file that no setting consumes.
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	valid := getValidKeys()
	var unknown []string
	for _, key := range v.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

// getValidKeys returns every configuration key minutemeter understands.
func getValidKeys() map[string]bool {
	v := viper.New()
	config.SetDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	for _, key := range optionalKeys {
		keys[key] = true
	}
	return keys
}

// dumpConfig prints every known key grouped by section, comparing the
// file's effective value against the built-in default.
func dumpConfig(w io.Writer, configPath string) error {
	defaults := viper.New()
	config.SetDefaults(defaults)

	effective := viper.New()
	config.SetDefaults(effective)
	effective.SetConfigFile(configPath)
	if err := effective.ReadInConfig(); err != nil {
		return err
	}

	keys := make([]string, 0)
	for key := range getValidKeys() {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	section := color.New(color.FgCyan, color.Bold)
	modified := color.New(color.FgYellow, color.Bold)
	unchanged := color.New(color.FgGreen)

	current := ""
	for _, key := range keys {
		head, field := splitKey(key)
		if head != current {
			current = head
			section.Fprintf(w, "\n[%s]\n", head)
		}

		value, def := effective.Get(key), defaults.Get(key)
		if secretKeys[key] {
			value, def = redactSecret(effective.GetString(key)), redactSecret(defaults.GetString(key))
		}
		if fmt.Sprint(value) == fmt.Sprint(def) {
			unchanged.Fprintf(w, "  %s = %v\n", field, value)
		} else {
			modified.Fprintf(w, "  %s = %v  (default: %v)\n", field, value, def)
		}
	}
	return nil
}

// splitKey separates "storage.redis.host" into "storage.redis" and "host".
func splitKey(key string) (string, string) {
	i := strings.LastIndex(key, ".")
	if i < 0 {
		return "root", key
	}
	return key[:i], key[i+1:]
}

func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}

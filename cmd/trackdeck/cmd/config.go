package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/trackdeck/internal/config"
	"github.com/jmylchreest/trackdeck/pkg/bytesize"
	"github.com/jmylchreest/trackdeck/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing trackdeck configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the configuration",
	Long: `Dump the configuration in YAML format.

Without --effective this shows every option with its default value, which
can be redirected to a file to create a configuration template:

  trackdeck config dump > config.yaml

Configuration can be set via:
  - Config file (.trackdeck.yaml, /etc/trackdeck/.trackdeck.yaml)
  - Environment variables (TRACKDECK_SERVER_PORT, TRACKDECK_DATABASE_DSN, etc.)
  - Command-line flags (for some options)

Environment variables use the TRACKDECK_ prefix and underscores for nesting.
Example: streaming.frames_to_load -> TRACKDECK_STREAMING_FRAMES_TO_LOAD`,
	RunE: runConfigDump,
}

var configDumpEffective bool

func init() {
	configDumpCmd.Flags().BoolVar(&configDumpEffective, "effective", false, "dump the merged configuration instead of the defaults")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a struct to a map, formatting durations and sizes for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = duration.Format(v)
		case config.Duration:
			result[key] = duration.Format(v.Duration())
		case config.ByteSize:
			result[key] = bytesize.Format(bytesize.Size(v.Bytes()))
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg := config.Default()
	if configDumpEffective {
		var err error
		if cfg, err = loadConfig(); err != nil {
			return err
		}
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# trackdeck Configuration File")
	fmt.Fprintln(out, "# =============================")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 30s, 5m, 1h, 30d")
	fmt.Fprintln(out, "# Size format: 64MB, 1GB")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Environment variable overrides:")
	fmt.Fprintln(out, "#   TRACKDECK_SERVER_HOST, TRACKDECK_SERVER_PORT")
	fmt.Fprintln(out, "#   TRACKDECK_DATABASE_DRIVER, TRACKDECK_DATABASE_DSN")
	fmt.Fprintln(out, "#   TRACKDECK_STORAGE_BASE_DIR, TRACKDECK_STORAGE_RETENTION")
	fmt.Fprintln(out, "#   TRACKDECK_LOGGING_LEVEL, TRACKDECK_LOGGING_FORMAT")
	fmt.Fprintln(out, "#   etc.")
	fmt.Fprintln(out, "")
	fmt.Fprint(out, string(yamlData))
	return nil
}

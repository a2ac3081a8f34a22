package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inferloop/fedgroup/internal/utils/encoding"
)

func newConfigCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Prints defaults merged with the config file and FEDGROUP_* environment variables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			serializer, err := encoding.NewSerializer(format)
			if err != nil {
				return err
			}
			if serializer.Format() == encoding.FormatMessagePack {
				return fmt.Errorf("config cannot be printed as %s", format)
			}

			var doc interface{} = viper.AllSettings()
			if serializer.Format() != encoding.FormatYAML {
				doc = cfg
			}
			out, err := serializer.Serialize(doc)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().StringVar(&format, "format", "yaml", "output format (yaml, json)")
	return cmd
}

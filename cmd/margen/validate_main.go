package main

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cierzo-energy/margen/internal/domain/market"
	"github.com/cierzo-energy/margen/internal/domain/pricing"
)

// runValidate loads the configuration and market registry and builds the
// price window selector, so broken configs fail here instead of mid-run.
func runValidate(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg, err := loadEngineConfig(cfgPath)
	if err != nil {
		return err
	}

	registry, err := market.Load(cfg.RegistryPath)
	if err != nil {
		return fmt.Errorf("market registry invalid: %w", err)
	}

	selector, err := pricing.NewSelector(registry.PriceSeries())
	if err != nil {
		var conflict *pricing.ConflictError
		if errors.As(err, &conflict) {
			fmt.Printf("❌ %s\n", conflict.Error())
		}
		return fmt.Errorf("price window validation failed: %w", err)
	}

	log.Info().
		Str("registry", cfg.RegistryPath).
		Str("fingerprint", registry.Fingerprint).
		Msg("Registry validated")

	fmt.Printf("✅ %d markets validated\n", len(registry.Markets))
	fmt.Printf("I90 sheets: %v\n", registry.I90Sheets())
	fmt.Printf("OMIE files: %v\n", registry.OMIEFiles())
	fmt.Printf("ESIOS indicators: %v\n", selector.Indicators())
	fmt.Printf("Registry fingerprint: %s\n", registry.Fingerprint)
	return nil
}

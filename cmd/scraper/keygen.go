package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-scraper/internal/hash/sha256"
	"github.com/JakeFAU/realtime-scraper/internal/id/uuid"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an API key and the digest to put in auth.api_key_hashes",
		Args:  cobra.NoArgs,
		// keygen needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE:              runKeygenCommand,
	}
}

func runKeygenCommand(cmd *cobra.Command, _ []string) error {
	key, err := uuid.New().NewSecret()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	digest, err := sha256.New().Hash([]byte(key))
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "api_key: %s\n", key)
	fmt.Fprintf(out, "api_key_hash: %s\n", digest)
	return nil
}

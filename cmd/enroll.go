package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/tinkerbelle-io/tim8-gateway/internal/fleet"
	"github.com/tinkerbelle-io/tim8-gateway/internal/logging"
	"github.com/tinkerbelle-io/tim8-gateway/internal/protocol"
	"github.com/tinkerbelle-io/tim8-gateway/internal/store"
)

var (
	flagWorkspace string
	flagTTL       time.Duration
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Issue an agent enrollment token",
	Long: `Issue an enrollment token directly against the gateway database. Agents
present the token in their hello to register a cluster into the workspace.
The token stays valid until it expires.`,
	RunE: runEnroll,
}

func init() {
	enrollCmd.Flags().StringVar(&flagWorkspace, "workspace", "", "Workspace the token enrolls into (required)")
	enrollCmd.Flags().DurationVar(&flagTTL, "ttl", fleet.DefaultTokenTTL, "Token lifetime")
	enrollCmd.MarkFlagRequired("workspace")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(cmd *cobra.Command, args []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx := cmd.Context()
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	tok, err := fleet.New(st, nil, nil, fleet.Config{}).IssueToken(ctx, flagWorkspace, flagTTL)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(protocol.EnrollResponse{
		Token:     tok.Token,
		Workspace: tok.Workspace,
		ExpiresAt: tok.ExpiresAt,
	})
}

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/crowdfund/internal/httpapi"
	"github.com/MarkoPoloResearchLab/crowdfund/pkg/crowdfund"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagRPCURL             = "rpc-url"
	flagContractAddress    = "contract-address"
	flagPrivateKey         = "private-key"
	flagKeystoreFile       = "keystore-file"
	flagKeystorePassword   = "keystore-password"
	flagConfirmations      = "confirmations"
	flagPollInterval       = "poll-interval"
	flagJournalURL         = "journal-url"
	flagYes                = "yes"
	flagWatchChainInterval = "watch-chain-interval"
	flagListenAddr         = "listen-addr"
	flagGRPCListenAddr     = "grpc-listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagJWTSigningKey      = "jwt-signing-key"
	flagJWTIssuer          = "jwt-issuer"
	flagJWTCookieName      = "jwt-cookie-name"
	flagHistoryLimit       = "limit"
	envPrefix              = "CROWDFUND"

	defaultConfirmations      = 1
	defaultPollInterval       = 2 * time.Second
	defaultWatchChainInterval = 15 * time.Second
	defaultGRPCListenAddr     = ":7000"
	defaultHistoryLimit       = 20
)

type runtimeConfig struct {
	RPCURL             string
	ContractAddress    *common.Address
	PrivateKeys        []string
	KeystoreFile       string
	KeystorePassword   string
	Confirmations      uint64
	PollInterval       time.Duration
	JournalURL         string
	AssumeYes          bool
	WatchChainInterval time.Duration
	GRPCListenAddr     string
	HTTP               httpapi.Config
}

func (cfg runtimeConfig) hasSigner() bool {
	return len(cfg.PrivateKeys) > 0 || cfg.KeystoreFile != ""
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "crowdfund: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "crowdfund",
		Short:         "Crowdfunding contract client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagRPCURL, "", "JSON-RPC endpoint of the node (required)")
	flags.String(flagContractAddress, "", "override the deployed contract address")
	flags.String(flagPrivateKey, "", "comma-separated hex private keys; the first is the selected account")
	flags.String(flagKeystoreFile, "", "encrypted keystore file of the signing account")
	flags.String(flagKeystorePassword, "", "keystore password")
	flags.Uint64(flagConfirmations, defaultConfirmations, "blocks required on top of the inclusion block")
	flags.Duration(flagPollInterval, defaultPollInterval, "receipt polling interval")
	flags.String(flagJournalURL, "", "operation journal database (sqlite path, sqlite:// or postgres:// URL)")
	flags.BoolP(flagYes, "y", false, "answer yes to irreversible-action prompts")
	flags.Duration(flagWatchChainInterval, defaultWatchChainInterval, "chain id polling interval while serving")

	cmd.AddCommand(
		newStatusCommand(cfg),
		newFundCommand(cfg),
		newWithdrawCommand(cfg),
		newWithdrawAllCommand(cfg),
		newEndCommand(cfg),
		newBalanceCommand(cfg),
		newHistoryCommand(cfg),
		newServeCommand(cfg),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg.RPCURL = strings.TrimSpace(v.GetString(flagRPCURL))
	cfg.PrivateKeys = splitList(v.GetString(flagPrivateKey))
	cfg.KeystoreFile = strings.TrimSpace(v.GetString(flagKeystoreFile))
	cfg.KeystorePassword = v.GetString(flagKeystorePassword)
	cfg.Confirmations = v.GetUint64(flagConfirmations)
	cfg.PollInterval = v.GetDuration(flagPollInterval)
	cfg.JournalURL = strings.TrimSpace(v.GetString(flagJournalURL))
	cfg.AssumeYes = v.GetBool(flagYes)
	cfg.WatchChainInterval = v.GetDuration(flagWatchChainInterval)
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.HTTP = httpapi.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins:    httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagJWTCookieName)),
	}

	if cfg.RPCURL == "" {
		return fmt.Errorf("%s is required", flagRPCURL)
	}
	cfg.ContractAddress = nil
	if raw := strings.TrimSpace(v.GetString(flagContractAddress)); raw != "" {
		address, err := crowdfund.ParseAddress(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", flagContractAddress, err)
		}
		cfg.ContractAddress = &address
	}
	if len(cfg.PrivateKeys) > 0 && cfg.KeystoreFile != "" {
		return fmt.Errorf("%s and %s are mutually exclusive", flagPrivateKey, flagKeystoreFile)
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = defaultConfirmations
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.WatchChainInterval <= 0 {
		cfg.WatchChainInterval = defaultWatchChainInterval
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

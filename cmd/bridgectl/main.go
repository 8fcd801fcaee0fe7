package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jmerrifield20/ledgerbridge/internal/bridge"
	"github.com/jmerrifield20/ledgerbridge/internal/identity"
	"github.com/jmerrifield20/ledgerbridge/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	ledgerURL string
	keyFile   string
	cfgFile   string
	timeout   time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bridgectl",
	Short: "Operate a ledgerbridge deployment",
	Long: `bridgectl administers the Ledger B side of the bridge and inspects its
state: bridge initialization, the validator registry, burns toward Ledger A
and the append-only event log.

Mutating commands sign their requests with the key in --key.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".bridgectl"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("BRIDGECTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if ledgerURL == "" {
			ledgerURL = viper.GetString("ledger")
		}
		if ledgerURL == "" {
			ledgerURL = "http://localhost:8080"
		}
		if keyFile == "" {
			keyFile = viper.GetString("key")
		}
		if keyFile == "" {
			home, _ := os.UserHomeDir()
			keyFile = filepath.Join(home, ".bridgectl", "key")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.bridgectl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&ledgerURL, "ledger", "", "ledgerd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&keyFile, "key", "", "signing key file (default ~/.bridgectl/key)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(keygenCmd, addressCmd, versionCmd)
	rootCmd.AddCommand(initCmd, validatorCmd, setActiveCmd, setThresholdCmd)
	rootCmd.AddCommand(burnCmd, faucetCmd)
	rootCmd.AddCommand(stateCmd, balanceCmd, processedCmd, eventsCmd)
}

// ── Helpers ─────────────────────────────────────────────────────────────────

// loadSigner reads the key at keyFile.
func loadSigner() (*identity.Signer, error) {
	km := identity.NewKeyManager(keyFile)
	if err := km.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no key at %s; run 'bridgectl keygen' first", keyFile)
		}
		return nil, err
	}
	return km.Signer()
}

// newClient returns a ledgerd client; signed clients carry the key in keyFile.
func newClient(signed bool) (*client.Client, error) {
	opts := []client.Option{client.WithTimeout(timeout)}
	if signed {
		s, err := loadSigner()
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithSigner(s))
	}
	return client.New(ledgerURL, opts...)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid amount %q: must be a positive integer", s)
	}
	return n, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printState(w io.Writer, st *bridge.State) error {
	fmt.Fprintf(w, "Authority:       %s\n", st.Authority.Hex())
	fmt.Fprintf(w, "Remote chain ID: %d\n", st.RemoteChainID)
	fmt.Fprintf(w, "Active:          %t\n", st.Active)
	fmt.Fprintf(w, "Threshold:       %d\n", st.ValidatorThreshold)
	fmt.Fprintf(w, "Nonce:           %d\n", st.Nonce)
	if st.Validators == nil || st.Validators.Len() == 0 {
		fmt.Fprintln(w, "Validators:      (none)")
		return nil
	}
	fmt.Fprintf(w, "Validators:      %d\n", st.Validators.Len())
	for _, v := range st.Validators.List() {
		fmt.Fprintf(w, "  %s\n", v.Hex())
	}
	return nil
}

// ── keygen / address / version ──────────────────────────────────────────────

var keygenForce bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new secp256k1 signing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(keyFile); err == nil && !keygenForce {
			return fmt.Errorf("key already exists at %s; use --force to overwrite", keyFile)
		}
		km := identity.NewKeyManager(keyFile)
		if err := km.Create(); err != nil {
			return err
		}
		s, err := km.Signer()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Key written to %s\nAddress: %s\n", keyFile, s.Address().Hex())
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "overwrite an existing key")
}

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the address of the signing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSigner()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s.Address().Hex())
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bridgectl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "bridgectl", version)
	},
}

// ── Administration ──────────────────────────────────────────────────────────

var (
	initRemoteChainID uint64
	initThreshold     uint8
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the bridge; the signing key becomes the authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		st, err := c.Initialize(ctx, initRemoteChainID, initThreshold)
		if err != nil {
			return err
		}
		return printState(cmd.OutOrStdout(), st)
	},
}

func init() {
	initCmd.Flags().Uint64Var(&initRemoteChainID, "remote-chain-id", 0, "chain ID of Ledger A (required)")
	initCmd.Flags().Uint8Var(&initThreshold, "threshold", 1, "validator signatures required per mint or unlock")
	_ = initCmd.MarkFlagRequired("remote-chain-id")
}

var validatorCmd = &cobra.Command{
	Use:   "validator",
	Short: "Manage the validator registry",
}

var validatorAddCmd = &cobra.Command{
	Use:   "add <address>",
	Short: "Register a validator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidatorChange(cmd, args[0], (*client.Client).AddValidator)
	},
}

var validatorRemoveCmd = &cobra.Command{
	Use:   "remove <address>",
	Short: "Deregister a validator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidatorChange(cmd, args[0], (*client.Client).RemoveValidator)
	},
}

func init() {
	validatorCmd.AddCommand(validatorAddCmd, validatorRemoveCmd)
}

func runValidatorChange(cmd *cobra.Command, addr string, change func(*client.Client, context.Context, common.Address) (*bridge.State, error)) error {
	id, err := parseAddress(addr)
	if err != nil {
		return err
	}
	c, err := newClient(true)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	st, err := change(c, ctx, id)
	if err != nil {
		return err
	}
	return printState(cmd.OutOrStdout(), st)
}

var setActiveCmd = &cobra.Command{
	Use:   "set-active <true|false>",
	Short: "Pause or resume mints and burns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		active, err := strconv.ParseBool(args[0])
		if err != nil {
			return fmt.Errorf("invalid value %q: want true or false", args[0])
		}
		c, err := newClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		st, err := c.SetActive(ctx, active)
		if err != nil {
			return err
		}
		return printState(cmd.OutOrStdout(), st)
	},
}

var setThresholdCmd = &cobra.Command{
	Use:   "set-threshold <n>",
	Short: "Set the number of validator signatures required",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil {
			return fmt.Errorf("invalid threshold %q", args[0])
		}
		c, err := newClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		st, err := c.SetThreshold(ctx, uint8(n))
		if err != nil {
			return err
		}
		return printState(cmd.OutOrStdout(), st)
	},
}

// ── Transfers ───────────────────────────────────────────────────────────────

var burnCmd = &cobra.Command{
	Use:   "burn <token> <amount> <ledger-a-recipient>",
	Short: "Burn wrapped tokens for unlock on Ledger A",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		recipient, err := parseAddress(args[2])
		if err != nil {
			return err
		}
		c, err := newClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		ev, err := c.Burn(ctx, token, amount, recipient)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Burned %d of %s\nNonce:     %d\nRecipient: %s\n",
			ev.Amount, ev.Token.Hex(), ev.Nonce, ev.RemoteRecipient.Hex())
		return nil
	},
}

var faucetCmd = &cobra.Command{
	Use:    "faucet <token> <account> <amount>",
	Short:  "Credit wrapped tokens on a development ledgerd",
	Hidden: true,
	Args:   cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		account, err := parseAddress(args[1])
		if err != nil {
			return err
		}
		amount, err := parseAmount(args[2])
		if err != nil {
			return err
		}
		c, err := newClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		if err := c.Faucet(ctx, token, account, amount); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Credited %d of %s to %s\n", amount, token.Hex(), account.Hex())
		return nil
	},
}

// ── Queries ─────────────────────────────────────────────────────────────────

var stateFormat string

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the bridge state",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		st, err := c.State(ctx)
		if err != nil {
			return err
		}
		if stateFormat == "json" {
			return printJSON(cmd.OutOrStdout(), st)
		}
		return printState(cmd.OutOrStdout(), st)
	},
}

func init() {
	stateCmd.Flags().StringVar(&stateFormat, "format", "text", "Output format: text or json")
}

var balanceCmd = &cobra.Command{
	Use:   "balance <token> [account]",
	Short: "Show a wrapped-token balance (default account: the signing key)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		var account common.Address
		if len(args) == 2 {
			if account, err = parseAddress(args[1]); err != nil {
				return err
			}
		} else {
			s, err := loadSigner()
			if err != nil {
				return err
			}
			account = s.Address()
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		amount, err := c.Balance(ctx, token, account)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), amount)
		return nil
	},
}

var processedCmd = &cobra.Command{
	Use:   "processed <ledger-a-tx-hash>",
	Short: "Report whether a Ledger A lock has been minted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := hexutil.Decode(args[0])
		if err != nil || len(raw) != common.HashLength {
			return fmt.Errorf("invalid tx hash %q: want 0x-prefixed 32 bytes", args[0])
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		rec, err := c.Processed(ctx, common.BytesToHash(raw))
		if err != nil {
			return err
		}
		if rec == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "not processed")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "processed at %s\n", rec.ProcessedAt.UTC().Format(time.RFC3339))
		return nil
	},
}

var (
	eventsAfter  uint64
	eventsLimit  uint64
	eventsFormat string
	eventsVerify bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List event log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		if eventsVerify {
			if err := c.VerifyEvents(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "event log hash chain is intact")
			return nil
		}

		head, err := c.Head(ctx)
		if err != nil {
			return err
		}
		until := head
		if eventsLimit > 0 && eventsAfter+eventsLimit < head {
			until = eventsAfter + eventsLimit
		}
		entries, err := c.Events(ctx, eventsAfter, until)
		if err != nil {
			return err
		}
		if eventsFormat == "json" {
			return printJSON(cmd.OutOrStdout(), entries)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tTIME\tKIND\tHASH")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.Index, e.Timestamp.UTC().Format(time.RFC3339), e.Kind, e.Hash)
		}
		return w.Flush()
	},
}

func init() {
	eventsCmd.Flags().Uint64Var(&eventsAfter, "after", 0, "list entries after this index")
	eventsCmd.Flags().Uint64Var(&eventsLimit, "limit", 100, "maximum entries to list; 0 lists up to head")
	eventsCmd.Flags().StringVar(&eventsFormat, "format", "text", "Output format: text or json")
	eventsCmd.Flags().BoolVar(&eventsVerify, "verify", false, "verify the hash chain instead of listing")
}

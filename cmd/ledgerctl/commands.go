package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"persona-ledger/internal/audit"
	"persona-ledger/internal/auth"
	"persona-ledger/internal/config"
	"persona-ledger/internal/ledger"
	"persona-ledger/internal/pricing"
	"persona-ledger/internal/rbac"
	"persona-ledger/internal/reporting"
	"persona-ledger/internal/repository"
	"persona-ledger/internal/repository/postgres"

	"github.com/spf13/cobra"
)

const commandTimeout = 30 * time.Second

type app struct {
	out  io.Writer
	log  *slog.Logger
	cfg  config.Config
	open func(ctx context.Context) (*repository.Backend, error)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operator tooling for the token ledger",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(
		migrateCmd(a),
		seedCmd(a),
		grantCmd(a),
		balanceCmd(a),
		sendCmd(a),
		priceCmd(a),
		tokenCmd(a),
		usageCmd(a),
	)
	return root
}

// withBackend opens the configured store for the duration of fn.
func (a *app) withBackend(cmd *cobra.Command, fn func(ctx context.Context, b *repository.Backend) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	b, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b)
}

func (a *app) coordinator(b *repository.Backend) *ledger.Coordinator {
	return ledger.NewCoordinator(ledger.NewService(b.Store), ledger.RetryPolicy{
		MaxAttempts: a.cfg.Ledger.MaxAttempts,
		BaseBackoff: a.cfg.Ledger.BackoffBase,
		MaxBackoff:  a.cfg.Ledger.BackoffMax,
	}, nil)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or revert the Postgres schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd, func(ctx context.Context, b *repository.Backend) error {
				if b.DB == nil {
					return fmt.Errorf("migrations apply to the postgres backend only, configured %q", b.Name)
				}
				if err := postgres.Migrate(b.DB, args[0]); err != nil {
					return err
				}
				a.log.Info("migrations applied", "direction", args[0])
				return nil
			})
		},
	}
}

func seedCmd(a *app) *cobra.Command {
	var (
		userID, aiID, convID, country string
		balance                       int64
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write a demo account, persona, conversation and pricing policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd, func(ctx context.Context, b *repository.Backend) error {
				if err := seedDemo(ctx, b.Store, userID, aiID, convID, country, balance); err != nil {
					return err
				}
				a.log.Info("demo data seeded", "user_id", userID, "conversation_id", convID, "balance", balance)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "user-1", "account id")
	cmd.Flags().StringVar(&aiID, "ai", "ai-1", "persona id")
	cmd.Flags().StringVar(&convID, "conversation", "conv-1", "conversation id")
	cmd.Flags().StringVar(&country, "country", "FR", "conversation country code")
	cmd.Flags().Int64Var(&balance, "balance", 100, "starting token balance")
	return cmd
}

func seedDemo(ctx context.Context, s ledger.Seeder, userID, aiID, convID, country string, balance int64) error {
	now := time.Now().UTC()
	if err := s.PutPricingPolicy(ctx, pricing.Policy{
		Base:      pricing.Prices{pricing.KindText: 1, pricing.KindImage: 5},
		Countries: map[string]pricing.Prices{"FR": {pricing.KindText: 2}},
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("seed policy: %w", err)
	}
	if err := s.PutAccount(ctx, ledger.UserAccount{ID: userID, TokenBalance: balance, UpdatedAt: now}); err != nil {
		return fmt.Errorf("seed account: %w", err)
	}
	if err := s.PutAiProfile(ctx, ledger.AiProfile{ID: aiID, Status: ledger.AiActive, HasAvatar: true}); err != nil {
		return fmt.Errorf("seed persona: %w", err)
	}
	if err := s.PutConversation(ctx, ledger.Conversation{
		ID:          convID,
		UserID:      userID,
		AiID:        aiID,
		Status:      "open",
		CountryCode: country,
		UpdatedAt:   now,
	}); err != nil {
		return fmt.Errorf("seed conversation: %w", err)
	}
	return nil
}

func grantCmd(a *app) *cobra.Command {
	var (
		userID, reason, actor string
		amount                int64
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Credit tokens to an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd, func(ctx context.Context, b *repository.Backend) error {
				acct, err := a.coordinator(b).Grant(ctx, userID, amount)
				if err != nil {
					return fmt.Errorf("grant: %w", err)
				}
				if err := audit.NewService(b.Audit).LogGrant(ctx, actor, rbac.RoleSuperAdmin, "", userID, amount, reason); err != nil {
					a.log.Error("audit grant failed", "user_id", userID, "amount", amount, "err", err)
				}
				return a.printJSON(acct)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "account id (required)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "tokens to credit (required)")
	cmd.Flags().StringVar(&reason, "reason", "ledgerctl grant", "audit reason")
	cmd.Flags().StringVar(&actor, "actor", "ledgerctl", "audit actor id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func balanceCmd(a *app) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show an account balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd, func(ctx context.Context, b *repository.Backend) error {
				acct, err := a.coordinator(b).Balance(ctx, userID)
				if err != nil {
					return err
				}
				return a.printJSON(acct)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "account id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func sendCmd(a *app) *cobra.Command {
	var convID, userID, kind, content, role string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one charged message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd, func(ctx context.Context, b *repository.Backend) error {
				msg, err := a.coordinator(b).Send(ctx, ledger.SendRequest{
					ConversationID: convID,
					UserID:         userID,
					AuthorRole:     ledger.AuthorRole(role),
					Kind:           pricing.Kind(kind),
					Content:        content,
				})
				if err != nil {
					if reason, ok := ledger.PreconditionReason(err); ok {
						return fmt.Errorf("send refused: %s", reason)
					}
					return fmt.Errorf("send (%s): %w", ledger.KindOf(err), err)
				}
				return a.printJSON(msg)
			})
		},
	}
	cmd.Flags().StringVar(&convID, "conversation", "", "conversation id (required)")
	cmd.Flags().StringVar(&userID, "user", "", "paying account id (required)")
	cmd.Flags().StringVar(&kind, "kind", string(pricing.KindText), "message kind")
	cmd.Flags().StringVar(&content, "content", "", "message body")
	cmd.Flags().StringVar(&role, "as", string(ledger.AuthorClient), "author role: client or ai")
	_ = cmd.MarkFlagRequired("conversation")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func priceCmd(a *app) *cobra.Command {
	var kind, country, override, policyFile string
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Resolve a price against a policy",
		Long: `Resolve the token price for a message kind.

With --policy-file the policy document is read from disk and nothing is
opened; otherwise the policy is read from the configured store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var ov pricing.Prices
			if override != "" {
				var err error
				if ov, err = pricing.ParseOverride([]byte(override)); err != nil {
					return fmt.Errorf("override: %w", err)
				}
			}

			resolve := func(p pricing.Policy) error {
				q, err := pricing.Resolve(pricing.Kind(kind), p, ov, country)
				if err != nil {
					return err
				}
				return a.printJSON(q)
			}

			if policyFile != "" {
				raw, err := os.ReadFile(policyFile)
				if err != nil {
					return err
				}
				p, err := pricing.ParsePolicy(raw)
				if err != nil {
					return fmt.Errorf("policy file: %w", err)
				}
				return resolve(p)
			}
			return a.withBackend(cmd, func(ctx context.Context, b *repository.Backend) error {
				p, err := a.coordinator(b).PricingPolicy(ctx)
				if err != nil {
					return err
				}
				return resolve(p)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(pricing.KindText), "message kind")
	cmd.Flags().StringVar(&country, "country", "", "ISO country code")
	cmd.Flags().StringVar(&override, "override", "", `conversation override, e.g. {"text":3}`)
	cmd.Flags().StringVar(&policyFile, "policy-file", "", "pricing policy JSON document")
	return cmd
}

func tokenCmd(a *app) *cobra.Command {
	var userID, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development token pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.IsProduction() {
				return errors.New("token issuance is disabled in production")
			}
			authCfg := a.cfg.Auth
			if authCfg.AccessTokenTTL <= 0 {
				authCfg.AccessTokenTTL = 15 * time.Minute
			}
			if authCfg.RefreshTokenTTL <= 0 {
				authCfg.RefreshTokenTTL = 30 * 24 * time.Hour
			}
			m, err := auth.NewManager(authCfg)
			if err != nil {
				return err
			}
			pair, err := m.IssuePair(time.Now(), userID, role)
			if err != nil {
				return err
			}
			return a.printJSON(pair)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&role, "role", rbac.RoleClient, "role claim")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func usageCmd(a *app) *cobra.Command {
	var (
		convID, userID string
		since          time.Duration
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize token spend of a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd, func(ctx context.Context, b *repository.Backend) error {
				to := time.Now().UTC()
				out, err := reporting.NewService(b.Store, b.Store).UsageSummary(ctx, reporting.UsageSummaryRequest{
					UserID:         userID,
					ConversationID: convID,
					Range:          reporting.TimeRange{From: to.Add(-since), To: to},
				})
				if err != nil {
					return err
				}
				return a.printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&convID, "conversation", "", "conversation id (required)")
	cmd.Flags().StringVar(&userID, "user", "", "owning account id (required)")
	cmd.Flags().DurationVar(&since, "since", 30*24*time.Hour, "window length ending now")
	_ = cmd.MarkFlagRequired("conversation")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

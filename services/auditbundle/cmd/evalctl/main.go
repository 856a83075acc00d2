package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"evalsession/pkg/apperrors"
	"evalsession/pkg/db"
	gos3 "evalsession/pkg/s3"
	"evalsession/services/auditbundle"
	"evalsession/services/sessions"
	"evalsession/services/sessions/pgstore"
	"evalsession/services/sessions/token"
)

// env holds the settings evalctl shares with the API service.
type env struct {
	DBDSN         string        `env:"DB_DSN"`
	SigningSecret string        `env:"INVITE_SIGNING_SECRET"`
	TokenIssuer   string        `env:"INVITE_TOKEN_ISSUER,default=evalsession"`
	TokenAudience string        `env:"INVITE_TOKEN_AUDIENCE,default=evalsession-join"`
	AuditBucket   string        `env:"AUDIT_BUCKET,default=evalsession-audit"`
	PresignTTL    time.Duration `env:"AUDIT_PRESIGN_TTL,default=24h"`
}

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "evalctl",
		Short:         "Operator utility for evaluation-session invites and usage ledgers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newLedgerCommand())
	cmd.AddCommand(newAuditCommand())
	cmd.AddCommand(newTokenCommand())
	return cmd
}

func loadEnv(ctx context.Context) (env, error) {
	var e env
	if err := envconfig.Process(ctx, &e); err != nil {
		return env{}, err
	}
	return e, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// openLedger connects to the API's database. The returned func releases it.
func openLedger(ctx context.Context, dsn string) (sessions.Ledger, func(), error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, nil, errors.New("DB_DSN is required")
	}
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	orm, err := db.OpenORM(pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("open orm: %w", err)
	}
	store, err := pgstore.New(orm, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

func newLedgerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Usage ledger reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newLedgerSummaryCommand())
	return cmd
}

func newLedgerSummaryCommand() *cobra.Command {
	var (
		sessionID string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print success/failure statistics for a session's invite link",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			e, err := loadEnv(ctx)
			if err != nil {
				return err
			}
			ledger, closeLedger, err := openLedger(ctx, e.DBDSN)
			if err != nil {
				return err
			}
			defer closeLedger()

			stats, err := ledger.Stats(ctx, sessionID)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, stats)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session id")
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "Output format (json|yaml)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Signed usage-ledger bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newAuditExportCommand())
	cmd.AddCommand(newAuditVerifyCommand())
	return cmd
}

func newAuditExportCommand() *cobra.Command {
	var (
		sessionID string
		output    string
		upload    bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a session's usage ledger as a signed tar.zst bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			e, err := loadEnv(ctx)
			if err != nil {
				return err
			}
			signer, err := auditbundle.NewSignerFromEnv()
			if err != nil {
				return err
			}
			ledger, closeLedger, err := openLedger(ctx, e.DBDSN)
			if err != nil {
				return err
			}
			defer closeLedger()

			manifest, err := auditbundle.Build(ctx, auditbundle.BuildConfig{
				Ledger:    ledger,
				SessionID: sessionID,
				Output:    output,
				Signer:    signer,
				Stdout:    cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			if !upload {
				return nil
			}

			s3Client, err := gos3.NewClientFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("s3 client: %w", err)
			}
			link, err := auditbundle.Upload(ctx, auditbundle.UploadConfig{
				BundlePath: output,
				Bucket:     e.AuditBucket,
				Key:        auditbundle.ObjectKey(sessionID, manifest.CreatedAt),
				Store:      s3Client,
				PresignTTL: e.PresignTTL,
				Stdout:     cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "download: %s\n", link)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session id")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	cmd.Flags().BoolVar(&upload, "upload", false, "Upload the bundle to S3 and print a presigned download URL")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newAuditVerifyCommand() *cobra.Command {
	var bundleFile string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a bundle's signature and ledger digest",
		RunE: func(cmd *cobra.Command, args []string) error {
			var signer *auditbundle.Signer
			if os.Getenv(auditbundle.EnvSecretKey) != "" || os.Getenv(auditbundle.EnvPublicKey) != "" {
				s, err := auditbundle.NewSignerFromEnv()
				if err != nil {
					return err
				}
				signer = s
			}
			_, _, err := auditbundle.Verify(commandContext(cmd), auditbundle.VerifyConfig{
				BundlePath: bundleFile,
				Signer:     signer,
				Stdout:     cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Invitation token utilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newTokenInspectCommand())
	return cmd
}

type inspection struct {
	Valid     bool           `json:"valid" yaml:"valid"`
	Code      apperrors.Code `json:"code,omitempty" yaml:"code,omitempty"`
	Fragment  string         `json:"fragment" yaml:"fragment"`
	SessionID string         `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	IssuedAt  *time.Time     `json:"issued_at,omitempty" yaml:"issued_at,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

func newTokenInspectCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "inspect TOKEN",
		Short: "Verify an invitation token with the configured secret and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(commandContext(cmd))
			if err != nil {
				return err
			}
			codec, err := token.NewCodec(token.Config{
				Secret:   []byte(e.SigningSecret),
				Issuer:   e.TokenIssuer,
				Audience: e.TokenAudience,
			})
			if err != nil {
				return err
			}

			raw := strings.TrimSpace(args[0])
			claims, verifyErr := codec.Verify(raw)
			result := inspection{Valid: verifyErr == nil, Fragment: token.Fragment(raw), SessionID: claims.SessionID}
			if verifyErr != nil {
				result.Code = apperrors.CodeOf(verifyErr)
			}
			if !claims.IssuedAt.IsZero() {
				result.IssuedAt = &claims.IssuedAt
			}
			if !claims.ExpiresAt.IsZero() {
				result.ExpiresAt = &claims.ExpiresAt
			}
			if err := writeOutput(cmd.OutOrStdout(), output, result); err != nil {
				return err
			}
			if verifyErr != nil {
				return fmt.Errorf("token rejected: %s", result.Code)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "Output format (json|yaml)")
	return cmd
}

func writeOutput(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

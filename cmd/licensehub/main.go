package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensehub/internal/audit"
	"github.com/smallbiznis/licensehub/internal/auth"
	"github.com/smallbiznis/licensehub/internal/authorization"
	"github.com/smallbiznis/licensehub/internal/clock"
	"github.com/smallbiznis/licensehub/internal/config"
	"github.com/smallbiznis/licensehub/internal/events"
	"github.com/smallbiznis/licensehub/internal/fleetmetrics"
	"github.com/smallbiznis/licensehub/internal/license"
	"github.com/smallbiznis/licensehub/internal/migration"
	"github.com/smallbiznis/licensehub/internal/observability"
	"github.com/smallbiznis/licensehub/internal/presence"
	"github.com/smallbiznis/licensehub/internal/principal"
	"github.com/smallbiznis/licensehub/internal/ratelimit"
	"github.com/smallbiznis/licensehub/internal/reporting"
	"github.com/smallbiznis/licensehub/internal/scheduler"
	"github.com/smallbiznis/licensehub/internal/server"
	"github.com/smallbiznis/licensehub/internal/user"
	userdomain "github.com/smallbiznis/licensehub/internal/user/domain"
	userrepo "github.com/smallbiznis/licensehub/internal/user/repository"
	"github.com/smallbiznis/licensehub/internal/validation"
	"github.com/smallbiznis/licensehub/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "token:", err)
			os.Exit(1)
		}
		return
	}

	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Functional Domains
		audit.Module,
		authorization.Module,
		auth.Module,
		events.Module,
		presence.Module,
		license.Module,
		user.Module,
		validation.Module,
		reporting.Module,
		ratelimit.Module,
		fleetmetrics.Module,
		migration.Module,

		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

// runToken mints a bearer token for an existing account. Credentials are
// managed outside this service, so this is how operators obtain tokens.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	username := fs.String("username", "", "account to mint a token for")
	if err := fs.Parse(args); err != nil {
		return err
	}
	name := strings.ToLower(strings.TrimSpace(*username))
	if name == "" && fs.NArg() > 0 {
		name = strings.ToLower(strings.TrimSpace(fs.Arg(0)))
	}
	if name == "" {
		return fmt.Errorf("usage: licensehub token -username <name>")
	}

	var (
		cfg    config.Config
		conn   *gorm.DB
		users  userdomain.Repository
		issuer *auth.Issuer
	)
	app := fx.New(
		fx.NopLogger,
		config.Module,
		observability.Module,
		db.Module,
		clock.Module,
		auth.Module,
		fx.Provide(userrepo.Provide),
		fx.Populate(&cfg, &conn, &users, &issuer),
	)
	if err := app.Err(); err != nil {
		return err
	}

	// an ephemeral secret would mint tokens no server accepts
	if strings.TrimSpace(cfg.AuthJWTSecret) == "" {
		return fmt.Errorf("AUTH_JWT_SECRET must be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = app.Stop(context.Background()) }()

	u, err := users.FindByUsername(ctx, conn, name)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("user %q not found", name)
	}
	if !u.IsActive {
		return fmt.Errorf("user %q is inactive", name)
	}

	raw, expiresAt, err := issuer.Sign(principal.Principal{
		UserID:   u.ID,
		Username: u.Username,
		Role:     principal.Role(u.Role),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "token for %s (%s) expires %s\n", u.Username, u.Role, expiresAt.Format(time.RFC3339))
	fmt.Println(raw)
	return nil
}

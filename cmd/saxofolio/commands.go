package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"saxofolio/internal/config"
	"saxofolio/internal/dedup"
	"saxofolio/internal/oauth"
	"saxofolio/internal/store"
	"saxofolio/internal/syncer"
)

// ---------------------------------------------------------------------------
// sync
// ---------------------------------------------------------------------------

type syncCmd struct{}

func (*syncCmd) Name() string { return "sync" }
func (*syncCmd) Synopsis() string {
	return "import new broker positions into the tracker and update the cash balance"
}
func (*syncCmd) Usage() string {
	return `saxofolio sync

  Fetches open, closed and historical positions from the broker, converts
  them into buy and sell activities, skips those already present in the
  tracker account and imports the rest oldest first. The tracker account
  balance is then set to the broker cash balance.
`
}
func (*syncCmd) SetFlags(*flag.FlagSet) {}

func (*syncCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := setup(config.OpSync)
	if err != nil {
		report(err)
		return subcommands.ExitFailure
	}
	defer a.close()

	session, err := a.session(ctx)
	if err != nil {
		report(err)
		return subcommands.ExitFailure
	}
	res, err := a.syncer(a.broker(session), session).Run(ctx)
	if err != nil {
		report(err)
		return subcommands.ExitFailure
	}

	fmt.Printf("positions:    %d\n", res.Positions)
	fmt.Printf("transactions: %d (%d positions skipped)\n", res.Transactions, res.Failed)
	fmt.Printf("duplicates:   %d\n", res.Duplicates)
	fmt.Printf("overlaps:     %d (historical legs already reported as positions)\n", res.Overlaps)
	fmt.Printf("imported:     %d in %d chunks\n", res.Imported, res.Chunks)
	fmt.Printf("balance:      %s\n", syncer.FormatMoney(res.Balance.Amount, a.cfg.Ghostfolio.Currency))
	return subcommands.ExitSuccess
}

// ---------------------------------------------------------------------------
// delete-activities
// ---------------------------------------------------------------------------

type deleteActivitiesCmd struct {
	yes bool
}

func (*deleteActivitiesCmd) Name() string { return "delete-activities" }
func (*deleteActivitiesCmd) Synopsis() string {
	return "delete every activity of the tracker account"
}
func (*deleteActivitiesCmd) Usage() string {
	return `saxofolio delete-activities -yes

  Removes all activities of the configured tracker account. The next sync
  imports everything again.
`
}

func (c *deleteActivitiesCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.yes, "yes", false, "confirm the deletion")
}

func (c *deleteActivitiesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if !c.yes {
		fmt.Fprintln(os.Stderr, "Error: refusing to delete activities without -yes.")
		return subcommands.ExitUsageError
	}
	a, err := setup(config.OpDeleteActivities)
	if err != nil {
		report(err)
		return subcommands.ExitFailure
	}
	defer a.close()

	if err := a.syncer(nil, nil).DeleteAll(ctx); err != nil {
		report(err)
		return subcommands.ExitFailure
	}
	fmt.Printf("deleted all activities of %q\n", a.cfg.Ghostfolio.AccountName)
	return subcommands.ExitSuccess
}

// ---------------------------------------------------------------------------
// list-activities
// ---------------------------------------------------------------------------

type listActivitiesCmd struct {
	parquetDir string
}

func (*listActivitiesCmd) Name() string { return "list-activities" }
func (*listActivitiesCmd) Synopsis() string {
	return "list the activities of the tracker account"
}
func (*listActivitiesCmd) Usage() string {
	return `saxofolio list-activities [-parquet <dir>]

  Prints the activities of the configured tracker account with their source
  position keys. With -parquet the activities are also merged into
  <dir>/activities/<accountId>.parquet.
`
}

func (c *listActivitiesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.parquetDir, "parquet", "", "export the activities under this data directory")
}

func (c *listActivitiesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := setup(config.OpListActivities)
	if err != nil {
		report(err)
		return subcommands.ExitFailure
	}
	defer a.close()

	s := a.syncer(nil, nil)
	txs, err := s.ListActivities(ctx)
	if err != nil {
		report(err)
		return subcommands.ExitFailure
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tTYPE\tSYMBOL\tQUANTITY\tUNIT PRICE\tFEE\tCURRENCY\tSOURCE KEY")
	for _, tx := range txs {
		key, _ := dedup.ExtractKey(tx.Comment)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			tx.Date.Format("2006-01-02"), tx.Direction, tx.Symbol,
			tx.Quantity.String(), tx.UnitPrice.String(), tx.Fee.String(), tx.Currency, key)
	}
	w.Flush()
	fmt.Printf("%d activities\n", len(txs))

	if c.parquetDir == "" {
		return subcommands.ExitSuccess
	}
	accountID, err := s.EnsureAccount(ctx)
	if err != nil {
		report(err)
		return subcommands.ExitFailure
	}
	if err := store.NewParquetStore(c.parquetDir).WriteActivities(ctx, accountID, txs); err != nil {
		report(err)
		return subcommands.ExitFailure
	}
	fmt.Printf("exported to %s\n", c.parquetDir)
	return subcommands.ExitSuccess
}

// ---------------------------------------------------------------------------
// login
// ---------------------------------------------------------------------------

type loginCmd struct{}

func (*loginCmd) Name() string     { return "login" }
func (*loginCmd) Synopsis() string { return "authorize saxofolio with the broker and store the token" }
func (*loginCmd) Usage() string {
	return `saxofolio login

  Starts a local callback server on SAXO_REDIRECT_URI, prints the broker
  authorization URL and stores the resulting token for later syncs.
`
}
func (*loginCmd) SetFlags(*flag.FlagSet) {}

func (*loginCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := setup(config.OpLogin)
	if err != nil {
		report(err)
		return subcommands.ExitFailure
	}
	defer a.close()

	ts, err := a.tokenStore()
	if err != nil {
		report(err)
		return subcommands.ExitFailure
	}
	cfg := oauth.NewConfig(a.environment(), a.cfg.Saxo.AppKey, a.cfg.Saxo.AppSecret, a.cfg.Saxo.RedirectURI)
	open := func(authURL string) error {
		fmt.Printf("Open this URL in your browser to log in:\n\n  %s\n\n", authURL)
		return nil
	}
	tok, err := oauth.Login(ctx, cfg, open, a.log)
	if err != nil {
		report(err)
		return subcommands.ExitFailure
	}
	if err := oauth.NewSession(cfg, ts, a.log).SetToken(ctx, tok); err != nil {
		report(err)
		return subcommands.ExitFailure
	}
	fmt.Printf("logged in to %s, token valid until %s\n", a.environment().Name, tok.Expiry.Format("15:04:05"))
	return subcommands.ExitSuccess
}

// ---------------------------------------------------------------------------
// accounts
// ---------------------------------------------------------------------------

type accountsCmd struct{}

func (*accountsCmd) Name() string     { return "accounts" }
func (*accountsCmd) Synopsis() string { return "list the broker accounts and their keys" }
func (*accountsCmd) Usage() string {
	return `saxofolio accounts

  Lists the broker accounts visible to the stored token with their cash
  balance. Use the account key as SAXO_ACCOUNT_KEY.
`
}
func (*accountsCmd) SetFlags(*flag.FlagSet) {}

func (*accountsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := setup(config.OpAccounts)
	if err != nil {
		report(err)
		return subcommands.ExitFailure
	}
	defer a.close()

	session, err := a.session(ctx)
	if err != nil {
		report(err)
		return subcommands.ExitFailure
	}
	b := a.broker(session)
	accounts, err := b.Accounts(ctx)
	if err != nil {
		report(err)
		return subcommands.ExitFailure
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT ID\tTYPE\tCURRENCY\tCASH\tACCOUNT KEY")
	for _, acct := range accounts {
		cash := "-"
		if bal, err := b.Balance(ctx, acct); err != nil {
			a.log.Warn("fetching balance", "account", acct.AccountID, "error", err)
		} else {
			cash = syncer.FormatMoney(bal.Amount, bal.Currency)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", acct.AccountID, acct.AccountType, acct.Currency, cash, acct.AccountKey)
	}
	w.Flush()
	return subcommands.ExitSuccess
}

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

type versionCmd struct{}

func (*versionCmd) Name() string           { return "version" }
func (*versionCmd) Synopsis() string       { return "print the saxofolio version" }
func (*versionCmd) Usage() string          { return "saxofolio version\n" }
func (*versionCmd) SetFlags(*flag.FlagSet) {}
func (*versionCmd) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	fmt.Printf("saxofolio %s\n", version)
	return subcommands.ExitSuccess
}

package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/olekukonko/tablewriter"
	migrate "github.com/rubenv/sql-migrate"

	"github.com/pgautofailover/monitor/internal/monitor/config"
	"github.com/pgautofailover/monitor/internal/monitor/datastore"
	"github.com/pgautofailover/monitor/internal/monitor/datastore/migrations"
	"github.com/pgautofailover/monitor/internal/monitor/query"
)

// subcmd is the interface every administrative subcommand implements,
// kept structurally identical to the teacher's cmd/praefect/subcmd.go.
type subcmd interface {
	FlagSet() *flag.FlagSet
	Exec(flags *flag.FlagSet, conf config.Config) error
}

var subcommands = map[string]subcmd{
	"sql-migrate":        &sqlMigrateSubcommand{},
	"sql-migrate-status": &sqlMigrateStatusSubcommand{},
	"show-state":         &showStateSubcommand{},
}

// subCommand returns an exit code, to be fed into os.Exit.
func subCommand(conf config.Config, arg0 string, argRest []string) int {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		os.Exit(130)
	}()

	cmd, ok := subcommands[arg0]
	if !ok {
		printfErr("%s: unknown subcommand: %q\n", progname, arg0)
		return 1
	}

	flags := cmd.FlagSet()
	if err := flags.Parse(argRest); err != nil {
		printfErr("%s\n", err)
		return 1
	}

	if err := cmd.Exec(flags, conf); err != nil {
		printfErr("%s\n", err)
		return 1
	}
	return 0
}

func openDatabase(conf config.Config) (*sql.DB, func(), error) {
	db, err := datastore.OpenDB(conf.DB.ToPQString())
	if err != nil {
		return nil, nil, fmt.Errorf("sql open: %w", err)
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			printfErr("sql close: %v\n", err)
		}
	}
	return db, closeDB, nil
}

type sqlMigrateSubcommand struct{}

func (s *sqlMigrateSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet("sql-migrate", flag.ExitOnError)
}

func (s *sqlMigrateSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	const subCmd = progname + " sql-migrate"

	db, closeDB, err := openDatabase(conf)
	if err != nil {
		return err
	}
	defer closeDB()

	n, err := migrate.Exec(db, "postgres", migrations.MigrationSource(), migrate.Up)
	if err != nil {
		return fmt.Errorf("%s: fail: %w", subCmd, err)
	}
	fmt.Printf("%s: OK (applied %d migrations)\n", subCmd, n)
	return nil
}

type sqlMigrateStatusSubcommand struct{}

func (s *sqlMigrateStatusSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet("sql-migrate-status", flag.ExitOnError)
}

func (s *sqlMigrateStatusSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	db, closeDB, err := openDatabase(conf)
	if err != nil {
		return err
	}
	defer closeDB()

	records, err := migrate.GetMigrationRecords(db, "postgres")
	if err != nil {
		return fmt.Errorf("%s sql-migrate-status: fail: %w", progname, err)
	}

	applied := make(map[string]bool, len(records))
	for _, r := range records {
		applied[r.Id] = true
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Migration", "Applied"})
	for _, m := range migrations.MigrationSource().(*migrate.MemoryMigrationSource).Migrations {
		status := "no"
		if applied[m.Id] {
			status = "yes"
		}
		table.Append([]string{m.Id, status})
	}
	table.Render()
	return nil
}

type showStateSubcommand struct {
	formation string
	groupID   int
}

func (s *showStateSubcommand) FlagSet() *flag.FlagSet {
	flags := flag.NewFlagSet("show-state", flag.ExitOnError)
	flags.StringVar(&s.formation, "formation", "default", "formation to inspect")
	flags.IntVar(&s.groupID, "group", -1, "restrict to one group id (-1 means every group)")
	return flags
}

func (s *showStateSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	db, closeDB, err := openDatabase(conf)
	if err != nil {
		return err
	}
	defer closeDB()

	store := datastore.NewPostgresStore(db, logger)

	var groupFilter *int
	if s.groupID >= 0 {
		groupFilter = &s.groupID
	}

	ctx := context.Background()
	nodes, err := query.GetNodes(ctx, store, s.formation, groupFilter)
	if err != nil {
		return fmt.Errorf("%s show-state: fail: %w", progname, err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NodeID", "GroupID", "Name", "Host", "Port", "ReportedState", "GoalState", "Health"})
	for _, n := range nodes {
		table.Append([]string{
			fmt.Sprintf("%d", n.NodeID),
			fmt.Sprintf("%d", n.GroupID),
			n.Name,
			n.Host,
			fmt.Sprintf("%d", n.Port),
			n.ReportedState.String(),
			n.GoalState.String(),
			n.Health.String(),
		})
	}
	table.Render()

	events, err := query.LastEvents(ctx, store, s.formation, groupFilter, 10)
	if err != nil {
		return fmt.Errorf("%s show-state: fail: %w", progname, err)
	}
	if len(events) > 0 {
		fmt.Println("\nLast events:")
		eventsTable := tablewriter.NewWriter(os.Stdout)
		eventsTable.SetHeader([]string{"NodeID", "GroupID", "GoalState", "Description", "CreatedAt"})
		for _, e := range events {
			eventsTable.Append([]string{
				fmt.Sprintf("%d", e.NodeID),
				fmt.Sprintf("%d", e.GroupID),
				e.GoalState.String(),
				e.Description,
				e.CreatedAt.String(),
			})
		}
		eventsTable.Render()
	}

	return nil
}

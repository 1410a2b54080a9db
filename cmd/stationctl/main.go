package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/Bldg-7/chargebay/internal/config"
	"github.com/Bldg-7/chargebay/internal/link"
	"github.com/Bldg-7/chargebay/internal/station"
	"github.com/Bldg-7/chargebay/internal/storage"
)

var (
	dbPath = flag.String("db", "./chargebay.db", "path to the station database")
	format = flag.String("format", "table", "Output format: table or json")
)

const timeLayout = "2006-01-02 15:04:05"

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "init":
		handleInit(args[1:])
		return
	case "ports":
		handlePorts()
		return
	case "help":
		printUsage()
		return
	}

	db, err := storage.Open(*dbPath)
	if err != nil {
		fail(err)
	}
	store := storage.NewHistoryStore(db)
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "batteries":
		handleBatteries(ctx, store)
	case "charging":
		handleCharging(ctx, store)
	case "sessions":
		handleSessions(ctx, store, args[1:])
	case "recompute":
		handleRecompute(ctx, store, args[1:])
	case "threshold":
		handleThreshold(ctx, store, args[1:])
	case "name":
		handleName(ctx, store, args[1:])
	case "names":
		handleNames(ctx, store, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func handleBatteries(ctx context.Context, store *storage.HistoryStore) {
	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		fail(err)
	}
	if *format == "json" {
		printJSON(accounts)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTIFIER\tNAME\tCYCLES\tTOTAL\tAVERAGE\tCHARGING\tLAST_SLOT\tLAST_ENDED")
	for _, a := range accounts {
		charging := "-"
		if a.IsCharging && a.ChargingSlot != nil {
			charging = "slot " + strconv.Itoa(*a.ChargingSlot)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			a.Identifier, dash(a.Name), a.TotalCycles,
			seconds(a.TotalChargeSeconds), seconds(a.AverageChargeSeconds),
			charging, intOrDash(a.LastChargingSlot), timeOrDash(a.LastEndedAt))
	}
	w.Flush()
}

func handleCharging(ctx context.Context, store *storage.HistoryStore) {
	current, err := store.CurrentCharging(ctx)
	if err != nil {
		fail(err)
	}
	if *format == "json" {
		printJSON(current)
		return
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tIDENTIFIER\tSESSION\tSTARTED_AT\tELAPSED")
	for _, c := range current {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			c.SlotID, c.Identifier, c.SessionID, c.StartedAt.Local().Format(timeLayout),
			now.Sub(c.StartedAt).Truncate(time.Second))
	}
	w.Flush()
}

func handleSessions(ctx context.Context, store *storage.HistoryStore, args []string) {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Error: sessions requires a battery identifier\n")
		os.Exit(1)
	}
	records, err := store.Sessions(ctx, args[0], 100)
	if err != nil {
		fail(err)
	}
	if *format == "json" {
		printJSON(records)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSLOT\tSTATUS\tSTARTED_AT\tENDED_AT\tDURATION")
	for _, r := range records {
		duration := "-"
		if r.DurationSeconds != nil {
			duration = seconds(*r.DurationSeconds)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.SlotID, r.Status, r.StartedAt.Local().Format(timeLayout), timeOrDash(r.EndedAt), duration)
	}
	w.Flush()
}

// handleRecompute rebuilds account aggregates from the session history with
// the current threshold, for one battery or all of them.
func handleRecompute(ctx context.Context, store *storage.HistoryStore, args []string) {
	threshold, err := store.MinimumDuration(ctx)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidSetting) {
		threshold = config.DefaultMinimumDurationSeconds
	} else if err != nil {
		fail(err)
	}

	ids := args
	if len(ids) == 0 {
		if ids, err = store.Identifiers(ctx); err != nil {
			fail(err)
		}
	}

	for _, id := range ids {
		history, err := store.SessionHistory(ctx, id)
		if err != nil {
			fail(err)
		}
		account := station.ComputeAccount(id, history, threshold)
		if err := store.SaveAccount(ctx, account); err != nil {
			fail(err)
		}
		fmt.Printf("%s: %d cycles, %s total, %s average\n",
			id, account.TotalCycles, seconds(account.TotalChargeSeconds), seconds(account.AverageChargeSeconds))
	}
	fmt.Printf("Recomputed %d account(s) with minimum duration %s\n", len(ids), seconds(threshold))
}

func handleThreshold(ctx context.Context, store *storage.HistoryStore, args []string) {
	if len(args) == 0 {
		value, err := store.MinimumDuration(ctx)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			fmt.Printf("%d (default, not set)\n", config.DefaultMinimumDurationSeconds)
		case err != nil:
			fail(err)
		default:
			fmt.Println(value)
		}
		return
	}

	value, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: threshold must be whole seconds, got %q\n", args[0])
		os.Exit(1)
	}
	if err := store.SetMinimumDuration(ctx, value); err != nil {
		fail(err)
	}
	fmt.Printf("Minimum charge duration set to %s. Run 'stationctl recompute' to rebuild accounts.\n", seconds(value))
}

func handleName(ctx context.Context, store *storage.HistoryStore, args []string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: name requires <identifier> <name>\n")
		os.Exit(1)
	}
	if err := store.SetBatteryName(ctx, args[0], args[1]); err != nil {
		fail(err)
	}
	fmt.Printf("%s is now %q\n", args[0], args[1])
}

func handleNames(ctx context.Context, store *storage.HistoryStore, args []string) {
	if len(args) == 0 || args[0] != "pending" {
		fmt.Fprintf(os.Stderr, "Error: names command requires subcommand (pending)\n")
		os.Exit(1)
	}
	requests, err := store.PendingNameRequests(ctx)
	if err != nil {
		fail(err)
	}
	if *format == "json" {
		printJSON(requests)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTIFIER\tSLOT\tREQUESTED_AT")
	for _, r := range requests {
		fmt.Fprintf(w, "%s\t%d\t%s\n", r.Identifier, r.SlotID, r.RequestedAt.Local().Format(timeLayout))
	}
	w.Flush()
}

func handlePorts() {
	ports, err := link.ListSerialPorts()
	if err != nil {
		fail(err)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return
	}
	for _, p := range ports {
		fmt.Println(p)
	}
}

func printJSON(data interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func seconds(s int64) string {
	return (time.Duration(s) * time.Second).String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func intOrDash(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `stationctl - charging station admin CLI

Usage:
  stationctl [global-flags] <command> [args]

Global Flags:
  -db string
        Path to the station database (default "./chargebay.db")
  -format string
        Output format: table or json (default "table")

Commands:
  batteries                        List battery accounts
  charging                         List batteries currently charging
  sessions <identifier>            List charge sessions of a battery
  recompute [identifier...]        Rebuild accounts from session history

  threshold                        Show the minimum charge duration
  threshold <seconds>              Set the minimum charge duration

  name <identifier> <name>         Set a battery display name
  names pending                    List batteries waiting for a name

  ports                            List serial ports
  init [path]                      Interactive wizard for the station config

  help                             Show this help message

Examples:
  stationctl batteries
  stationctl -format json sessions 0012345678
  stationctl threshold 2700 && stationctl recompute
`)
}

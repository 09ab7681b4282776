package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"payment-engine/internal/core"
	"payment-engine/internal/db"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: app <command> <order-id>

Commands:
  confirm   draft -> open: regenerate bank payment lines
  export    open -> sent: create transfer moves and reconcile
  reject    sent -> rejected: reset mandate amendments
  done      sent -> done: requires fully reconciled transfer entries
  cancel    draft/open -> cancel: drop bank payment lines
  delete    remove an order in draft or cancel state
  settled   print whether all transfer entries are reconciled
  status    print state, totals and reconciliation counters`)
	os.Exit(2)
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 3 {
		usage()
	}
	command := os.Args[1]
	orderID, err := strconv.Atoi(os.Args[2])
	if err != nil {
		log.Fatalf("Invalid order id %q", os.Args[2])
	}

	logger, err := newLogger()
	if err != nil {
		log.Fatalf("Unable to build logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	pool, err := db.NewPool(ctx)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	seqs := core.NewSequenceService()
	orders := core.NewPaymentOrderService(
		pool,
		core.NewMandateService(),
		seqs,
		core.NewPostingService(seqs),
		core.NopNoTargetEntryHook{},
		logger,
	)

	switch command {
	case "confirm":
		err = orders.Confirm(ctx, orderID)
	case "export":
		err = orders.Export(ctx, orderID)
	case "reject":
		err = orders.Reject(ctx, orderID)
	case "done":
		err = orders.MarkDone(ctx, orderID)
	case "cancel":
		err = orders.Cancel(ctx, orderID)
	case "delete":
		err = orders.Delete(ctx, orderID)
	case "settled":
		var settled bool
		settled, err = orders.IsFullySettled(ctx, orderID)
		if err == nil {
			fmt.Println(settled)
		}
	case "status":
		var st *core.OrderStatus
		st, err = orders.Status(ctx, orderID)
		if err == nil {
			fmt.Printf("Order %d (%s) reference %s\n", st.Order.ID, st.Order.OrderType, st.Order.Reference)
			fmt.Printf("  state:              %s\n", st.Order.State)
			fmt.Printf("  total:              %s\n", st.Total.StringFixed(2))
			fmt.Printf("  payment lines:      %d\n", st.LineCount)
			fmt.Printf("  bank lines:         %d\n", st.BankLineCount)
			fmt.Printf("  partial reconciles: %d\n", st.PartialReconcileCount)
		}
	default:
		usage()
	}
	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("APP_DEBUG") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

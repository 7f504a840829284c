// Command replay runs a recorded tick session through the trailing-stop logic
// without a broker connection. Every stop request is acknowledged immediately,
// so the output shows the full sequence of trigger revisions a live session
// would have produced, plus whether and where the stop would have filled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"trailstopbot/config"
	"trailstopbot/internal/adapters/logger"
	"trailstopbot/internal/domain"
	"trailstopbot/internal/engine"
	"trailstopbot/internal/tracker"
	"trailstopbot/internal/utils"
)

func main() {
	var (
		file     = flag.String("file", "", "CSV tick file (time,symbol,price)")
		symbol   = flag.String("symbol", "", "Symbol of the simulated position")
		side     = flag.String("side", "long", "Position side: long or short")
		quantity = flag.Float64("quantity", 1, "Position size")
		entry    = flag.Float64("entry", 0, "Entry price of the simulated position")
		distance = flag.Float64("distance", 0, "Trail distance in price units")
		percent  = flag.Float64("percent", 0, "Trail distance as a percent of the extremum")
		minStep  = flag.Float64("min-step", 0, "Minimum trigger improvement before a revision")
		logLevel = flag.String("log-level", "warn", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	if *file == "" || *symbol == "" || *entry <= 0 {
		flag.Usage()
		os.Exit(2)
	}
	posSide := domain.Side(strings.ToUpper(*side))
	if posSide != domain.Long && posSide != domain.Short {
		log.Fatalf("FATAL: side must be long or short, got %q", *side)
	}

	appLogger, err := logger.New(logger.Config{Level: *logLevel})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}

	eng, err := engine.New(config.TrailParams{Distance: *distance, Percent: *percent, MinStep: *minStep}, nil, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize trailing-stop engine: %v", err)
	}
	trk, err := tracker.New(appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize position tracker: %v", err)
	}

	ticks, err := utils.ReadTicksFromCSV(*file)
	if err != nil {
		log.Fatalf("FATAL: Failed to load ticks from %s: %v", *file, err)
	}

	ctx := context.Background()
	if _, err := trk.UpsertPosition(ctx, *symbol, posSide, *quantity, *entry); err != nil {
		log.Fatalf("FATAL: Failed to seed position: %v", err)
	}

	fmt.Printf("Replaying %d ticks for %s (%s %.4f @ %.4f)\n\n", len(ticks), *symbol, posSide, *quantity, *entry)

	var revisions, orderSeq int
	for _, tick := range ticks {
		if tick.Symbol != *symbol {
			continue
		}
		snap, err := trk.RecordPriceUpdate(ctx, tick.Symbol, tick.Price)
		if err != nil {
			log.Fatalf("FATAL: Tick at %s rejected: %v", tick.At.Format("15:04:05"), err)
		}
		if snap == nil {
			break // position closed
		}

		// The live loop would defer to the broker here; the replay fills at
		// the trigger itself.
		if snap.CrossesStop(tick.Price) {
			trigger := snap.Stop.TriggerPrice
			if _, err := trk.RecordStopOrderState(ctx, *symbol, snap.Stop.OrderID, trigger, domain.StopFilled); err != nil {
				log.Fatalf("FATAL: Failed to apply simulated fill: %v", err)
			}
			pnl := (trigger - *entry) * *quantity
			if posSide == domain.Short {
				pnl = -pnl
			}
			fmt.Printf("\n%s  STOP FILLED @ %.4f (last price %.4f), PnL %.4f\n",
				tick.At.Format("2006-01-02 15:04:05"), trigger, tick.Price, pnl)
			return
		}

		decision, err := eng.Evaluate(ctx, snap)
		if err != nil {
			log.Fatalf("FATAL: Evaluation at %s failed: %v", tick.At.Format("15:04:05"), err)
		}
		if decision.Action == engine.ActionNone {
			continue
		}

		orderID := ""
		old := 0.0
		if snap.Stop != nil {
			orderID = snap.Stop.OrderID
			old = snap.Stop.TriggerPrice
		}
		if orderID == "" {
			orderSeq++
			orderID = fmt.Sprintf("sim-%d", orderSeq)
		}
		if _, err := trk.RecordStopOrderState(ctx, *symbol, orderID, decision.Trigger, domain.StopActive); err != nil {
			log.Fatalf("FATAL: Failed to apply simulated acknowledgment: %v", err)
		}
		revisions++
		fmt.Printf("%s  price %.4f  extremum %.4f  trigger %.4f -> %.4f (%s)\n",
			tick.At.Format("2006-01-02 15:04:05"), tick.Price, snap.Extremum, old, decision.Trigger, decision.Action)
	}

	final := trk.Snapshot(*symbol)
	fmt.Printf("\nReplay finished: %d trigger revisions, stop never filled.\n", revisions)
	if final != nil && final.Stop != nil {
		fmt.Printf("Final state: last price %.4f, extremum %.4f, trigger %.4f\n",
			final.LastPrice, final.Extremum, final.Stop.TriggerPrice)
	}
}

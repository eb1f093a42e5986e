// Fake Bot API for local runs.
// Usage: go run ./scripts/fakeprovider -token dev -fail-rate 0.3
// then start the service with TELEGRAM_API_URL=http://localhost:9999 TELEGRAM_BOT_TOKEN=dev.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/telegram/telegramtest"
)

func main() {
	port := flag.Int("port", 9999, "port to listen on")
	token := flag.String("token", "dev", "bot token to accept")
	failStatus := flag.Int("fail-status", 0, "answer every sendMessage with this status")
	failRate := flag.Float64("fail-rate", 0, "random failure rate (0.0-1.0)")
	failFirst := flag.Int("fail-first", 0, "fail the first N sendMessage calls with 502")
	latency := flag.Int("latency", 100, "average response latency in ms")
	jitter := flag.Int("jitter", 20, "latency jitter in ms (+/-)")
	flag.Parse()

	fake := telegramtest.NewServer(*token, telegramtest.Options{
		FailStatus: *failStatus,
		FailRate:   *failRate,
		FailFirst:  *failFirst,
		Latency:    time.Duration(*latency) * time.Millisecond,
		Jitter:     time.Duration(*jitter) * time.Millisecond,
	})

	// Stats reporter
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		var lastCalls, lastFailures int64
		for range ticker.C {
			calls, failures := fake.Calls(), fake.Failures()
			if calls > lastCalls {
				fmt.Printf("[STATS] Sends: %d | Failures: %d\n", calls-lastCalls, failures-lastFailures)
			}
			lastCalls, lastFailures = calls, failures
		}
	}()

	addr := fmt.Sprintf(":%d", *port)
	fmt.Printf("Fake Bot API listening on %s\n", addr)
	fmt.Printf("  Latency: %dms (+/- %dms)\n", *latency, *jitter)
	fmt.Printf("  Fail status: %d | Fail rate: %.1f%% | Fail first: %d\n", *failStatus, *failRate*100, *failFirst)
	log.Fatal(http.ListenAndServe(addr, fake))
}

// Fakeagent is a stand-in CLI agent for exercising plans by hand and
// in integration tests. It can sleep, fail deterministically or
// randomly, spam output and produce artifact files.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

func main() {
	os.Exit(run())
}

func run() int {
	sleep := flag.Float64("sleep", 0, "seconds to sleep before doing anything")
	failRate := flag.Float64("fail-rate", 0, "probability of a random failure")
	failAlways := flag.Bool("fail-always", false, "always exit non-zero")
	produce := flag.String("produce", "", "write a payload file at this path")
	spamBytes := flag.Int("spam-bytes", 0, "emit this many bytes of filler on stdout")
	flag.Parse()

	sub := flag.Arg(0)
	switch sub {
	case "inspect", "build", "test":
	default:
		fmt.Fprintf(os.Stderr, "usage: fakeagent [flags] {inspect|build|test}\n")
		return 2
	}

	if *sleep > 0 {
		time.Sleep(time.Duration(*sleep * float64(time.Second)))
	}

	if *spamBytes > 0 {
		chunk := make([]byte, 0, 129)
		for i := 0; i < 128; i++ {
			chunk = append(chunk, 'x')
		}
		chunk = append(chunk, '\n')
		remaining := *spamBytes
		for remaining > 0 {
			n := len(chunk)
			if remaining < n {
				n = remaining
			}
			os.Stdout.Write(chunk[:n])
			remaining -= n
		}
	}

	payload, _ := json.Marshal(map[string]any{
		"subcommand": sub,
		"timestamp":  time.Now().Unix(),
	})
	fmt.Println(string(payload))

	if *produce != "" {
		if err := os.MkdirAll(filepath.Dir(*produce), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create output dir: %v\n", err)
			return 1
		}
		if err := os.WriteFile(*produce, payload, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "cannot write output: %v\n", err)
			return 1
		}
	}

	if *failAlways {
		fmt.Fprintln(os.Stderr, "forced failure")
		return 1
	}
	if *failRate > 0 && rand.Float64() < *failRate {
		fmt.Fprintln(os.Stderr, "random failure")
		return 1
	}
	return 0
}

// Command datablock-diag is a small operator CLI for inspecting and
// sweeping DataBlock segments: print a snapshot, validate a segment's
// layout/schema, or run the zombie sweeper against a list of segments.
//
// Grounded on calvinalkan-agent-task's pflag-based CLI surface, and on
// feeder/main.go's config-path-then-signal-context startup shape, adapted
// from a long-running exchange feeder to a short-lived diagnostic tool
// plus an optional daemon mode for the sweeper.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/Qing-LAB/pylabhub-sub000"
	"github.com/Qing-LAB/pylabhub-sub000/broker"
	"github.com/Qing-LAB/pylabhub-sub000/diag"
)

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(log.Printf)); err != nil {
		log.Printf("datablock-diag: maxprocs: %v", err)
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(0.9)); err != nil {
		log.Printf("datablock-diag: memlimit: %v", err)
	}

	var (
		segmentName = pflag.StringP("segment", "s", "", "segment name to inspect")
		secret      = pflag.Uint64("secret", 0, "shared secret to attach with")
		sweep       = pflag.Bool("sweep", false, "run the zombie sweeper instead of a one-shot snapshot")
		sweepEvery  = pflag.Duration("sweep-interval", 2*time.Second, "sweep interval in daemon mode")
		brokerPath  = pflag.String("broker-socket", "", "optional broker unix socket to register diagnostics against")
	)
	pflag.Parse()

	if *segmentName == "" {
		fmt.Fprintln(os.Stderr, "datablock-diag: -segment is required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	seg, err := pylabhub.AttachSegment[[256]byte, [256]byte](*segmentName, *secret, time.Second.Nanoseconds())
	if err != nil {
		log.Fatalf("datablock-diag: attach %s: %v", *segmentName, err)
	}
	defer seg.Close()

	if *brokerPath != "" {
		client := broker.NewClient(*brokerPath)
		defer client.Close()
		snap := diag.Describe(seg)
		if err := client.RegisterChannel(snap.Name, broker.ChannelInfo{
			SegmentName:        snap.Name,
			ConsumerSyncPolicy: snap.ConsumerPolicy,
			ChecksumPolicy:     snap.ChecksumPolicy,
			RingCapacity:       uint32(snap.RingCapacity),
		}); err != nil {
			log.Printf("datablock-diag: broker register: %v", err)
		}
	}

	if *sweep {
		sw := diag.NewSweeper([]*pylabhub.Segment{seg}, *sweepEvery)
		log.Printf("datablock-diag: sweeping %s every %s", *segmentName, *sweepEvery)
		if err := sw.Run(ctx); err != nil && err != context.Canceled {
			log.Fatalf("datablock-diag: sweep: %v", err)
		}
		return
	}

	out, err := broker.PrettyJSON(diag.Describe(seg))
	if err != nil {
		log.Fatalf("datablock-diag: marshal snapshot: %v", err)
	}
	fmt.Println(string(out))
}

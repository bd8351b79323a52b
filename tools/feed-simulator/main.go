// Command feed-simulator serves a synthetic SBS-1 feed on a TCP port, the way
// dump1090 does on 30003, for exercising the producer without a receiver.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/V4T54L/sbs-relay/internal/domain"
	"github.com/V4T54L/sbs-relay/internal/pkg/sbs"
)

type aircraft struct {
	hex      string
	callsign string
	lat, lon float64
	altitude int32
	track    float64
	speed    float64
}

func main() {
	flags := pflag.NewFlagSet("feed-simulator", pflag.ContinueOnError)
	addr := flags.String("addr", ":30003", "listen address")
	rps := flags.Float64("rps", 50, "lines per second per connection")
	fleet := flags.Int("aircraft", 20, "number of simulated aircraft")
	duration := flags.Duration("d", 0, "stop after this long (0 runs until interrupted)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Error("failed to listen", "addr", *addr, "error", err)
		os.Exit(1)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Info("Serving synthetic SBS-1 feed", "addr", ln.Addr().String(), "rps", *rps, "aircraft", *fleet)

	var wg sync.WaitGroup
	var sent atomic.Int64
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn("accept failed", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			logger.Info("Client connected", "remote_addr", conn.RemoteAddr().String())
			n, err := serve(ctx, conn, rate.NewLimiter(rate.Limit(*rps), 1), newFleet(*fleet))
			sent.Add(n)
			logger.Info("Client disconnected", "remote_addr", conn.RemoteAddr().String(), "lines", n, "error", err)
		}()
	}

	wg.Wait()
	logger.Info("Feed simulator finished", "lines_sent", sent.Load())
}

func newFleet(n int) []*aircraft {
	fleet := make([]*aircraft, n)
	for i := range fleet {
		fleet[i] = &aircraft{
			hex:      fmt.Sprintf("%06X", rand.IntN(0xFFFFFF)),
			callsign: fmt.Sprintf("SIM%04d", i),
			lat:      51 + rand.Float64(),
			lon:      -1 + rand.Float64(),
			altitude: int32(5000 + rand.IntN(35000)),
			track:    rand.Float64() * 360,
			speed:    200 + rand.Float64()*300,
		}
	}
	return fleet
}

// serve writes one line per limiter token until ctx is done or the client goes away.
func serve(ctx context.Context, conn net.Conn, limiter *rate.Limiter, fleet []*aircraft) (int64, error) {
	var sent int64
	for i := 0; ; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return sent, nil
		}

		a := fleet[i%len(fleet)]
		a.step()
		line := sbs.Format(a.report(uint8(1+i%8), time.Now().UTC()))
		if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
			return sent, err
		}
		sent++
	}
}

func (a *aircraft) step() {
	a.lat += (rand.Float64() - 0.5) * 0.01
	a.lon += (rand.Float64() - 0.5) * 0.01
	a.altitude += int32(rand.IntN(200)) - 100
}

func (a *aircraft) report(transmission uint8, now time.Time) domain.AircraftReport {
	session, aircraftID, flightID := uint32(1), uint32(1), uint32(1)
	date, clock := now.Format("2006/01/02"), now.Format("15:04:05.000")
	ground := false

	r := domain.AircraftReport{
		MessageType:      "MSG",
		TransmissionType: &transmission,
		SessionID:        &session,
		AircraftID:       &aircraftID,
		HexIdent:         &a.hex,
		FlightID:         &flightID,
		GeneratedDate:    date,
		GeneratedTime:    clock,
		LoggedDate:       date,
		LoggedTime:       clock,
		IsOnGround:       &ground,
	}

	switch transmission {
	case 1:
		r.Callsign = &a.callsign
	case 3:
		r.Altitude = &a.altitude
		r.Latitude = &a.lat
		r.Longitude = &a.lon
	case 4:
		r.GroundSpeed = &a.speed
		r.Track = &a.track
	default:
		r.Altitude = &a.altitude
	}
	return r
}
